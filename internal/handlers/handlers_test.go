package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"shepherdsdesk/internal/client"
	"shepherdsdesk/internal/models"
	"shepherdsdesk/internal/orchestrator"
	"shepherdsdesk/internal/poller"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	app        *App
	inputsDir  string
	outputsDir string
}

// newTestApp builds a gateway whose pipeline is a bash fixture script run
// from the temp root, so relative outputs/ paths land in the served tree.
func newTestApp(t *testing.T, scriptBody string) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fixture scripts require bash")
	}

	root := t.TempDir()
	inputs := filepath.Join(root, "inputs")
	outputs := filepath.Join(root, "outputs")
	for _, dir := range []string{inputs, outputs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	script := filepath.Join(root, "pipeline.sh")
	if err := os.WriteFile(script, []byte("#!/bin/bash\n"+scriptBody), 0o755); err != nil {
		t.Fatalf("write fixture script: %v", err)
	}

	runner, err := orchestrator.NewRunner(discardLogger(), orchestrator.Config{
		Command:   []string{"bash", script},
		Dir:       root,
		StopGrace: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	app := NewApp(discardLogger(), runner, Config{
		InputsDir:  inputs,
		OutputsDir: outputs,
	})
	return &testEnv{app: app, inputsDir: inputs, outputsDir: outputs}
}

func (te *testEnv) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	te.app.Router().ServeHTTP(rec, req)
	return rec
}

func (te *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	te.app.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (te *testEnv) startJob(t *testing.T, body string) (jobID string, pid int) {
	t.Helper()
	rec := te.post(t, "/api/generate_stream", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
		JobID  string `json:"job_id"`
		PID    int    `json:"pid"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "started" || resp.JobID == "" || resp.PID <= 0 {
		t.Fatalf("unexpected start response %+v", resp)
	}
	return resp.JobID, resp.PID
}

func (te *testEnv) waitForTerminal(t *testing.T, jobID string) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := te.get(t, "/api/jobs/"+jobID)
		if rec.Code != http.StatusOK {
			t.Fatalf("job status returned %d: %s", rec.Code, rec.Body.String())
		}
		var job models.Job
		decodeBody(t, rec, &job)
		if job.Status.Terminal() {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never settled: %+v", jobID, job)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	te := newTestApp(t, "true\n")
	rec := te.get(t, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var resp map[string]bool
	decodeBody(t, rec, &resp)
	if !resp["ok"] {
		t.Fatalf("unexpected health payload %v", resp)
	}
}

func TestSaveIntent_WritesFileAtomically(t *testing.T) {
	te := newTestApp(t, "true\n")

	rec := te.post(t, "/api/intent", `{"user_prompt":"Good Samaritan for K"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("intent returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Ack  bool   `json:"ack"`
		Path string `json:"path"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Ack {
		t.Fatal("expected an ack")
	}

	data, err := os.ReadFile(filepath.Join(te.inputsDir, "user_intent.json"))
	if err != nil {
		t.Fatalf("intent file: %v", err)
	}
	if !strings.Contains(string(data), "Good Samaritan for K") {
		t.Fatalf("prompt missing from intent file: %s", data)
	}

	// A later intent replaces the file wholesale.
	te.post(t, "/api/intent", `{"user_prompt":"Prodigal Son"}`)
	data, err = os.ReadFile(filepath.Join(te.inputsDir, "user_intent.json"))
	if err != nil {
		t.Fatalf("intent file: %v", err)
	}
	if strings.Contains(string(data), "Good Samaritan") || !strings.Contains(string(data), "Prodigal Son") {
		t.Fatalf("intent file was not replaced: %s", data)
	}

	// No temp files may linger next to the intent.
	entries, err := os.ReadDir(te.inputsDir)
	if err != nil {
		t.Fatalf("read inputs dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the intent file, found %d entries", len(entries))
	}
}

func TestSaveIntent_RejectsBadJSON(t *testing.T) {
	te := newTestApp(t, "true\n")
	rec := te.post(t, "/api/intent", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartGeneration_RejectsBlankTopic(t *testing.T) {
	te := newTestApp(t, "true\n")

	for _, body := range []string{`{"topic":""}`, `{"topic":"   "}`, `{}`} {
		rec := te.post(t, "/api/generate_stream", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
	if _, err := os.Stat(filepath.Join(te.inputsDir, "user_intent.json")); !os.IsNotExist(err) {
		t.Fatal("a rejected request must not persist an intent")
	}
}

func TestStartGeneration_RunsPipelineToCompletion(t *testing.T) {
	te := newTestApp(t, strings.Join([]string{
		`echo "starting"`,
		`echo "writing plan" >&2`,
		`mkdir -p outputs/video`,
		`echo data > outputs/video/final.mp4`,
		`echo "complete"`,
	}, "\n")+"\n")

	jobID, _ := te.startJob(t, `{"topic":"Good Samaritan for K","passage":"Luke 10:25-37","date":"2025-12-14"}`)

	data, err := os.ReadFile(filepath.Join(te.inputsDir, "user_intent.json"))
	if err != nil {
		t.Fatalf("intent file: %v", err)
	}
	if !strings.Contains(string(data), "Good Samaritan for K Luke 10:25-37") {
		t.Fatalf("composed prompt missing from intent file: %s", data)
	}

	job := te.waitForTerminal(t, jobID)
	if job.Status != models.StatusDone {
		t.Fatalf("expected done, got %+v", job)
	}
	for _, marker := range []string{"starting", "writing plan", "complete"} {
		if !strings.Contains(job.LogTail, marker) {
			t.Fatalf("log tail %q is missing %q", job.LogTail, marker)
		}
	}

	rec := te.get(t, "/api/outputs")
	if rec.Code != http.StatusOK {
		t.Fatalf("outputs returned %d", rec.Code)
	}
	var listing struct {
		Files []models.OutputFile `json:"files"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Files) != 1 || listing.Files[0].Name != "video/final.mp4" {
		t.Fatalf("unexpected outputs %+v", listing.Files)
	}
	if listing.Files[0].URL != "/outputs/video/final.mp4" {
		t.Fatalf("unexpected url %q", listing.Files[0].URL)
	}

	// The listed URL must actually serve the artifact.
	fileRec := te.get(t, listing.Files[0].URL)
	if fileRec.Code != http.StatusOK || !strings.Contains(fileRec.Body.String(), "data") {
		t.Fatalf("artifact not served: %d %q", fileRec.Code, fileRec.Body.String())
	}

	// Listing again yields the same answer.
	again := te.get(t, "/api/outputs")
	if again.Body.String() != rec.Body.String() {
		t.Fatalf("outputs listing is not stable:\n%s\n%s", rec.Body.String(), again.Body.String())
	}
}

func TestStartGeneration_SecondRunConflicts(t *testing.T) {
	te := newTestApp(t, "sleep 5\n")

	jobID, _ := te.startJob(t, `{"topic":"first"}`)

	rec := te.post(t, "/api/generate_stream", `{"topic":"second"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a run is active, got %d", rec.Code)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["error"] == "" {
		t.Fatal("conflict response should carry an error message")
	}

	cancelRec := te.post(t, "/api/jobs/"+jobID+"/cancel", "")
	if cancelRec.Code != http.StatusAccepted {
		t.Fatalf("cancel returned %d", cancelRec.Code)
	}
	te.waitForTerminal(t, jobID)

	// With the slot released, a new run is accepted again.
	nextID, _ := te.startJob(t, `{"topic":"third"}`)
	te.post(t, "/api/jobs/"+nextID+"/cancel", "")
	te.waitForTerminal(t, nextID)
}

func TestCancelJob_StopsRunningPipeline(t *testing.T) {
	te := newTestApp(t, "echo running\nsleep 30\n")

	jobID, _ := te.startJob(t, `{"topic":"long haul"}`)

	rec := te.post(t, "/api/jobs/"+jobID+"/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel returned %d: %s", rec.Code, rec.Body.String())
	}

	job := te.waitForTerminal(t, jobID)
	if job.Status != models.StatusError || job.Error != "canceled" {
		t.Fatalf("expected a canceled job, got %+v", job)
	}

	// Canceling a settled job reports the record instead of erring.
	again := te.post(t, "/api/jobs/"+jobID+"/cancel", "")
	if again.Code != http.StatusOK {
		t.Fatalf("second cancel returned %d", again.Code)
	}

	missing := te.post(t, "/api/jobs/nope/cancel", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown job, got %d", missing.Code)
	}
}

func TestStartGeneration_ReportsPipelineFailure(t *testing.T) {
	te := newTestApp(t, `echo "model timeout" >&2`+"\nexit 3\n")

	jobID, _ := te.startJob(t, `{"topic":"doomed"}`)
	job := te.waitForTerminal(t, jobID)

	if job.Status != models.StatusError {
		t.Fatalf("expected error status, got %+v", job)
	}
	if !strings.Contains(job.Error, "exited with code 3") {
		t.Fatalf("exit code missing from %q", job.Error)
	}
	if !strings.Contains(job.LogTail, "model timeout") {
		t.Fatalf("stderr missing from tail %q", job.LogTail)
	}
}

func TestJobStatus_UnknownJob(t *testing.T) {
	te := newTestApp(t, "true\n")
	rec := te.get(t, "/api/jobs/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListOutputs_FiltersSortsAndLimits(t *testing.T) {
	te := newTestApp(t, "true\n")

	seed := []string{
		"a12.mp4", "a03.mp4", "a07.mp4", "a01.mp4", "a09.mp4", "a05.mp4",
		"a11.mp4", "a02.mp4", "a08.mp4", "a04.mp4", "a10.mp4", "a06.mp4",
		"notes.txt",
	}
	for _, name := range seed {
		if err := os.WriteFile(filepath.Join(te.outputsDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	rec := te.get(t, "/api/outputs")
	var listing struct {
		Files []models.OutputFile `json:"files"`
	}
	decodeBody(t, rec, &listing)

	if len(listing.Files) != defaultOutputsLimit {
		t.Fatalf("expected %d files, got %d", defaultOutputsLimit, len(listing.Files))
	}
	// Ascending order, keeping the last ten: a03 through a12.
	if listing.Files[0].Name != "a03.mp4" || listing.Files[len(listing.Files)-1].Name != "a12.mp4" {
		t.Fatalf("unexpected window %+v", listing.Files)
	}
	for i := 1; i < len(listing.Files); i++ {
		if listing.Files[i-1].Name >= listing.Files[i].Name {
			t.Fatalf("listing is not sorted: %+v", listing.Files)
		}
	}
	for _, f := range listing.Files {
		if strings.HasSuffix(f.Name, ".txt") {
			t.Fatalf("non-matching file leaked into listing: %+v", f)
		}
	}
}

func TestListOutputs_CustomPatterns(t *testing.T) {
	te := newTestApp(t, "true\n")
	app := NewApp(discardLogger(), te.app.runner, Config{
		InputsDir:      te.inputsDir,
		OutputsDir:     te.outputsDir,
		OutputPatterns: []string{"*.wav", "*.mp4"},
	})

	for _, name := range []string{"voice.wav", "video.mp4", "cover.png"} {
		if err := os.WriteFile(filepath.Join(te.outputsDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/outputs", nil)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	var listing struct {
		Files []models.OutputFile `json:"files"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Files) != 2 {
		t.Fatalf("expected wav and mp4 only, got %+v", listing.Files)
	}
}

func TestListJobs_ReturnsRecentFirst(t *testing.T) {
	te := newTestApp(t, "true\n")

	first, _ := te.startJob(t, `{"topic":"first"}`)
	te.waitForTerminal(t, first)
	second, _ := te.startJob(t, `{"topic":"second"}`)
	te.waitForTerminal(t, second)

	rec := te.get(t, "/api/jobs")
	var listing struct {
		Jobs []models.Job `json:"jobs"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(listing.Jobs))
	}
	if listing.Jobs[0].ID != second {
		t.Fatalf("newest job should be listed first: %+v", listing.Jobs)
	}
}

func TestCleanup_PrunesOnlyTerminalRecords(t *testing.T) {
	te := newTestApp(t, "true\n")
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	te.app.mu.Lock()
	te.app.jobs["done-old"] = &jobState{job: models.Job{ID: "done-old", Status: models.StatusDone, UpdatedAt: old}, tail: orchestrator.NewTailBuffer(0)}
	te.app.jobs["running-old"] = &jobState{job: models.Job{ID: "running-old", Status: models.StatusRunning, UpdatedAt: old}, tail: orchestrator.NewTailBuffer(0)}
	te.app.jobs["done-fresh"] = &jobState{job: models.Job{ID: "done-fresh", Status: models.StatusDone, UpdatedAt: now}, tail: orchestrator.NewTailBuffer(0)}
	te.app.mu.Unlock()

	te.app.cleanup(24 * time.Hour)

	if _, ok := te.app.getJob("done-old"); ok {
		t.Fatal("old terminal record should be pruned")
	}
	if _, ok := te.app.getJob("running-old"); !ok {
		t.Fatal("running records must never be pruned")
	}
	if _, ok := te.app.getJob("done-fresh"); !ok {
		t.Fatal("fresh terminal record should stay")
	}
}

func TestJobWS_StreamsEvents(t *testing.T) {
	te := newTestApp(t, "echo starting\nsleep 0.2\necho writing plan\nsleep 0.2\n")
	srv := httptest.NewServer(te.app.Router())
	defer srv.Close()

	jobID, _ := te.startJob(t, `{"topic":"live"}`)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + jobID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawTail := false
	for {
		var evt models.JobEvent
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if evt.ID != jobID {
			t.Fatalf("event for the wrong job: %+v", evt)
		}
		if strings.Contains(evt.LogTail, "starting") {
			sawTail = true
		}
		if evt.Status.Terminal() {
			if evt.Status != models.StatusDone {
				t.Fatalf("unexpected terminal event %+v", evt)
			}
			break
		}
	}
	if !sawTail {
		t.Fatal("no tail lines arrived over the socket")
	}
}

func TestJobWS_ConnectDuringFinishSeesTerminalEvent(t *testing.T) {
	te := newTestApp(t, "true\n")
	srv := httptest.NewServer(te.app.Router())
	defer srv.Close()

	// Near-instant jobs, with dials staggered so subscriptions land on both
	// sides of finishJob. Every subscriber must still observe a terminal
	// event: either its connect snapshot is already terminal, or the finish
	// broadcast reaches it.
	for i := 0; i < 25; i++ {
		jobID, _ := te.startJob(t, `{"topic":"instant"}`)
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + jobID + "/ws"

		var wg sync.WaitGroup
		errCh := make(chan error, 4)
		for d := 0; d < 4; d++ {
			wg.Add(1)
			go func(delay time.Duration) {
				defer wg.Done()
				time.Sleep(delay)
				conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
				if err != nil {
					errCh <- fmt.Errorf("dial: %w", err)
					return
				}
				defer conn.Close()
				_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
				for {
					var evt models.JobEvent
					if err := conn.ReadJSON(&evt); err != nil {
						errCh <- fmt.Errorf("socket went silent before a terminal event: %w", err)
						return
					}
					if evt.Status.Terminal() {
						return
					}
				}
			}(time.Duration(i*400+d*100) * time.Microsecond)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatalf("run %d: %v", i, err)
		}
		te.waitForTerminal(t, jobID)
	}
}

func TestJobWS_UnknownJob(t *testing.T) {
	te := newTestApp(t, "true\n")
	srv := httptest.NewServer(te.app.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the dial to fail for an unknown job")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected a 404 handshake rejection, got %+v", resp)
	}
}

func TestEndToEnd_DeskWorkflow(t *testing.T) {
	te := newTestApp(t, strings.Join([]string{
		`echo "starting"`,
		`mkdir -p outputs/video`,
		`echo data > outputs/video/final.mp4`,
		`echo "complete"`,
	}, "\n")+"\n")
	srv := httptest.NewServer(te.app.Router())
	defer srv.Close()

	gw, err := client.New(srv.URL, nil)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	p := poller.New(gw, poller.Options{Interval: 20 * time.Millisecond, Logger: discardLogger()})

	ch, err := p.Submit(context.Background(), models.GenerationRequest{Topic: "Good Samaritan for K", Passage: "Luke 10:25-37"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var out poller.Outcome
	select {
	case out = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("the run never settled")
	}
	if !out.Done || out.Message != "generation complete" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	snap := p.Snapshot()
	if len(snap.Files) != 1 || snap.Files[0].Name != "video/final.mp4" {
		t.Fatalf("outputs were not refreshed: %+v", snap.Files)
	}
	if snap.Files[0].URL != srv.URL+"/outputs/video/final.mp4" {
		t.Fatalf("download url was not resolved: %q", snap.Files[0].URL)
	}

	data, err := os.ReadFile(filepath.Join(te.inputsDir, "user_intent.json"))
	if err != nil {
		t.Fatalf("intent file: %v", err)
	}
	if !strings.Contains(string(data), "Good Samaritan for K Luke 10:25-37") {
		t.Fatalf("composed prompt missing from intent file: %s", data)
	}
}
