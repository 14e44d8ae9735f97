// Package poller owns the generate workflow that front-ends drive: one
// run at a time, submitted then polled on a fixed cadence until it
// settles, with an outputs refresh on every settlement.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shepherdsdesk/internal/models"
)

// Gateway is the backend surface the workflow drives.
type Gateway interface {
	SaveIntent(ctx context.Context, intent models.Intent) error
	StartGeneration(ctx context.Context, req models.GenerationRequest) (string, error)
	JobStatus(ctx context.Context, jobID string) (models.Job, error)
	ListOutputs(ctx context.Context) ([]models.OutputFile, error)
	CancelJob(ctx context.Context, jobID string) error
}

// State identifies where the workflow is in its cycle. A settled run
// returns to StateIdle; the settlement itself lives in the snapshot's
// message and files.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
)

// Snapshot is the published view of the workflow. Observers receive
// copies; only the poller mutates the underlying state.
type Snapshot struct {
	State   State
	Busy    bool
	Message string
	LogTail string
	Files   []models.OutputFile
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Files = append([]models.OutputFile(nil), s.Files...)
	return out
}

// Outcome reports how one submission settled.
type Outcome struct {
	JobID   string
	Done    bool
	Message string
	LogTail string
}

var (
	// ErrEmptyTopic rejects a submission whose topic is blank after trimming.
	ErrEmptyTopic = errors.New("topic must not be empty")
	// ErrBusy rejects a submission while another run is still in flight.
	ErrBusy = errors.New("a generation is already in progress")
)

const (
	// DefaultInterval is the delay between consecutive status polls.
	DefaultInterval = time.Second
	// DefaultMaxWait bounds how long a single run may stay in polling
	// before it is settled as timed out.
	DefaultMaxWait = 15 * time.Minute

	refreshTimeout = 10 * time.Second
)

// Options tune the polling schedule and observation hooks.
type Options struct {
	// Interval is the delay between status polls. Zero means DefaultInterval.
	Interval time.Duration
	// Multiplier grows the delay after each poll when set above 1.
	// Zero or 1 keeps the cadence fixed.
	Multiplier float64
	// MaxInterval caps the grown delay. Zero means no growth past Interval
	// unless Multiplier raises it.
	MaxInterval time.Duration
	// MaxWait is the overall polling ceiling per run. Zero means
	// DefaultMaxWait; a negative value polls without a ceiling.
	MaxWait time.Duration
	// OnChange is invoked with a fresh snapshot after every visible state
	// change. It runs without any poller lock held.
	OnChange func(Snapshot)
	Logger   *slog.Logger
}

// Poller drives the generate workflow against a Gateway.
type Poller struct {
	gw     Gateway
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	snap     Snapshot
	jobID    string
	cancel   context.CancelFunc
	canceled bool
}

func New(gw Gateway, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	if opts.MaxInterval < opts.Interval {
		opts.MaxInterval = opts.Interval
	}
	if opts.MaxWait == 0 {
		opts.MaxWait = DefaultMaxWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		gw:     gw,
		opts:   opts,
		logger: logger,
		snap:   Snapshot{State: StateIdle},
	}
}

// Snapshot returns a copy of the current workflow state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.clone()
}

// Submit validates the request and, when the workflow is idle, runs the
// save-intent, start, poll, settle cycle in the background. The returned
// channel delivers exactly one Outcome when the run settles. A blank topic
// returns ErrEmptyTopic before any network traffic; a run already in
// flight returns ErrBusy. Canceling ctx abandons the run without the
// settle side effects; use Cancel for an orderly stop.
func (p *Poller) Submit(ctx context.Context, req models.GenerationRequest) (<-chan Outcome, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, ErrEmptyTopic
	}

	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.snap.Busy {
		p.mu.Unlock()
		cancel()
		return nil, ErrBusy
	}
	p.cancel = cancel
	p.canceled = false
	p.jobID = ""
	p.snap.State = StateSubmitting
	p.snap.Busy = true
	p.snap.Message = "submitting generation request"
	p.snap.LogTail = ""
	snap := p.snap.clone()
	p.mu.Unlock()
	p.changed(snap)

	done := make(chan Outcome, 1)
	go p.run(runCtx, cancel, req, done)
	return done, nil
}

// Cancel stops polling for the in-flight run immediately, then signals the
// gateway to stop the job best effort, and settles the workflow as failed.
// The local stop never waits on the gateway. Calling Cancel while idle is a
// no-op.
func (p *Poller) Cancel() {
	p.mu.Lock()
	if !p.snap.Busy {
		p.mu.Unlock()
		return
	}
	p.canceled = true
	cancel := p.cancel
	jobID := p.jobID
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if jobID != "" {
		ctx, release := context.WithTimeout(context.Background(), refreshTimeout)
		defer release()
		if err := p.gw.CancelJob(ctx, jobID); err != nil {
			p.logger.Warn("cancel request failed", "job_id", jobID, "error", err)
		}
	}
}

// run owns one submission cycle. cancel belongs to this run only; a later
// submission installs its own, so the deferred release must not touch
// p.cancel.
func (p *Poller) run(ctx context.Context, cancel context.CancelFunc, req models.GenerationRequest, done chan<- Outcome) {
	defer cancel()

	if err := p.gw.SaveIntent(ctx, models.Intent{UserPrompt: req.Prompt()}); err != nil {
		done <- p.settle(ctx, Outcome{Message: fmt.Sprintf("generation failed: %v", err)})
		return
	}

	jobID, err := p.gw.StartGeneration(ctx, req)
	if err != nil {
		done <- p.settle(ctx, Outcome{Message: fmt.Sprintf("generation failed: %v", err)})
		return
	}

	p.mu.Lock()
	p.jobID = jobID
	p.snap.State = StatePolling
	p.snap.Message = "generation in progress"
	p.snap.LogTail = ""
	snap := p.snap.clone()
	p.mu.Unlock()
	p.changed(snap)

	done <- p.poll(ctx, jobID)
}

func (p *Poller) poll(ctx context.Context, jobID string) Outcome {
	sched := p.newBackOff()
	for {
		job, err := p.gw.JobStatus(ctx, jobID)
		if err != nil {
			return p.settle(ctx, Outcome{JobID: jobID, Message: fmt.Sprintf("generation failed: %v", err)})
		}

		p.mu.Lock()
		p.snap.LogTail = job.LogTail
		snap := p.snap.clone()
		p.mu.Unlock()
		p.changed(snap)

		switch job.Status {
		case models.StatusDone:
			return p.settle(ctx, Outcome{JobID: jobID, Done: true, Message: "generation complete", LogTail: job.LogTail})
		case models.StatusError:
			msg := "generation failed"
			if job.Error != "" {
				msg = "generation failed: " + job.Error
			}
			return p.settle(ctx, Outcome{JobID: jobID, Message: msg, LogTail: job.LogTail})
		case models.StatusRunning:
		default:
			p.logger.Warn("unrecognized job status, continuing to poll", "job_id", jobID, "status", string(job.Status))
		}

		wait := sched.NextBackOff()
		if wait == backoff.Stop {
			return p.settle(ctx, Outcome{
				JobID:   jobID,
				Message: fmt.Sprintf("generation timed out after %s", p.opts.MaxWait),
				LogTail: job.LogTail,
			})
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.settle(ctx, Outcome{JobID: jobID, Message: "generation canceled", LogTail: job.LogTail})
		case <-timer.C:
		}
	}
}

// settle finalizes one run: refresh the outputs list whether the run
// succeeded or failed (a partial artifact may exist either way), publish
// the final message, and return the workflow to idle. A run whose context
// died without an explicit Cancel was abandoned and skips the refresh.
func (p *Poller) settle(ctx context.Context, out Outcome) Outcome {
	p.mu.Lock()
	canceled := p.canceled
	p.mu.Unlock()

	if canceled {
		out.Done = false
		out.Message = "generation canceled"
	}
	abandoned := ctx.Err() != nil && !canceled

	var files []models.OutputFile
	if !abandoned {
		refreshCtx := ctx
		if ctx.Err() != nil {
			var release context.CancelFunc
			refreshCtx, release = context.WithTimeout(context.Background(), refreshTimeout)
			defer release()
		}
		var err error
		files, err = p.gw.ListOutputs(refreshCtx)
		if err != nil {
			p.logger.Warn("outputs refresh failed", "error", err)
			files = nil
		}
	}

	p.mu.Lock()
	p.snap.State = StateIdle
	p.snap.Busy = false
	p.snap.Message = out.Message
	if out.LogTail != "" {
		p.snap.LogTail = out.LogTail
	}
	if files != nil {
		p.snap.Files = files
	}
	snap := p.snap.clone()
	p.mu.Unlock()
	p.changed(snap)
	return out
}

func (p *Poller) changed(snap Snapshot) {
	if p.opts.OnChange != nil {
		p.opts.OnChange(snap)
	}
}

func (p *Poller) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.Interval
	b.RandomizationFactor = 0
	b.Multiplier = p.opts.Multiplier
	b.MaxInterval = p.opts.MaxInterval
	if p.opts.MaxWait > 0 {
		b.MaxElapsedTime = p.opts.MaxWait
	} else {
		b.MaxElapsedTime = 0
	}
	b.Reset()
	return b
}
