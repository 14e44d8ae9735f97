package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"shepherdsdesk/internal/client"
	"shepherdsdesk/internal/models"
	"shepherdsdesk/internal/poller"
)

func main() {
	server := flag.String("server", envOrDefault("DESK_SERVER", "http://127.0.0.1:8080"), "gateway base address")
	topic := flag.String("topic", "", "generation topic (required unless -list or -cancel is used)")
	passage := flag.String("passage", "", "scripture passage to include in the prompt")
	date := flag.String("date", "", "target date in YYYY-MM-DD form")
	interval := flag.Duration("interval", poller.DefaultInterval, "delay between status polls")
	timeout := flag.Duration("timeout", poller.DefaultMaxWait, "overall polling ceiling; 0 polls without limit")
	list := flag.Bool("list", false, "list generated outputs and exit")
	cancelID := flag.String("cancel", "", "ask the gateway to cancel the given job id and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	gw, err := client.New(*server, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx := context.Background()

	switch {
	case *list:
		if err := printOutputs(ctx, gw); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	case *cancelID != "":
		if err := gw.CancelJob(ctx, *cancelID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("cancel requested for job", *cancelID)
		return
	}

	if strings.TrimSpace(*topic) == "" {
		fmt.Fprintln(os.Stderr, "-topic is required (or use -list / -cancel)")
		flag.Usage()
		os.Exit(2)
	}
	if *date != "" {
		if _, err := time.Parse("2006-01-02", *date); err != nil {
			fmt.Fprintln(os.Stderr, "-date must look like 2025-12-14")
			os.Exit(2)
		}
	}

	printer := newProgressPrinter(os.Stdout)
	p := poller.New(gw, poller.Options{
		Interval: *interval,
		MaxWait:  ceilingFor(*timeout),
		OnChange: printer.render,
		Logger:   logger,
	})

	outcome, err := p.Submit(ctx, models.GenerationRequest{Topic: *topic, Passage: *passage, Date: *date})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case out := <-outcome:
			reportSettled(p, out)
			return
		case <-sigCh:
			// A second interrupt falls through to the default handler.
			signal.Stop(sigCh)
			fmt.Fprintln(os.Stderr, "canceling run, interrupt again to quit hard")
			p.Cancel()
		}
	}
}

func reportSettled(p *poller.Poller, out poller.Outcome) {
	snap := p.Snapshot()
	if len(snap.Files) > 0 {
		fmt.Println("outputs:")
		for _, f := range snap.Files {
			fmt.Printf("  %s\t%s\n", f.Name, f.URL)
		}
	}
	if !out.Done {
		os.Exit(1)
	}
}

func printOutputs(ctx context.Context, gw *client.Client) error {
	files, err := gw.ListOutputs(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("no outputs yet")
		return nil
	}
	for _, f := range files {
		fmt.Printf("%s\t%s\n", f.Name, f.URL)
	}
	return nil
}

// ceilingFor maps the flag convention (0 means poll forever) onto the
// poller convention (negative means no ceiling).
func ceilingFor(timeout time.Duration) time.Duration {
	if timeout == 0 {
		return -1
	}
	return timeout
}

// progressPrinter turns snapshots into terminal lines, printing each new
// message and the newest tail line as they change.
type progressPrinter struct {
	w        io.Writer
	mu       sync.Mutex
	lastMsg  string
	lastLine string
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (pp *progressPrinter) render(s poller.Snapshot) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if s.Message != "" && s.Message != pp.lastMsg {
		fmt.Fprintln(pp.w, s.Message)
		pp.lastMsg = s.Message
	}
	if line := lastLine(s.LogTail); line != "" && line != pp.lastLine {
		fmt.Fprintf(pp.w, "  | %s\n", line)
		pp.lastLine = line
	}
}

func lastLine(tail string) string {
	if tail == "" {
		return ""
	}
	lines := strings.Split(tail, "\n")
	return lines[len(lines)-1]
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
