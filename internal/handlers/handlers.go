package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"shepherdsdesk/internal/models"
	"shepherdsdesk/internal/orchestrator"
)

const (
	defaultOutputsLimit = 10
	intentFileName      = "user_intent.json"
)

// Config collects the gateway's runtime settings.
type Config struct {
	// InputsDir is where the user intent file is persisted.
	InputsDir string
	// OutputsDir is the tree scanned for generated artifacts and served
	// under /outputs/.
	OutputsDir string
	// OutputPatterns are glob patterns matched against file names when
	// scanning OutputsDir. Empty means *.mp4 only.
	OutputPatterns []string
	// OutputsLimit caps how many files the outputs listing returns.
	OutputsLimit int
	// TailLines caps how many pipeline output lines each job retains.
	TailLines int
}

// jobState pairs a job record with its live run bookkeeping.
type jobState struct {
	job      models.Job
	tail     *orchestrator.TailBuffer
	cancel   context.CancelFunc
	canceled bool
}

type App struct {
	logger *slog.Logger

	router *chi.Mux
	runner *orchestrator.Runner
	cfg    Config

	mu     sync.RWMutex
	jobs   map[string]*jobState
	active string
	subs   map[string]map[*websocket.Conn]struct{}

	// wsMu serializes websocket writes; gorilla allows one writer per
	// connection at a time.
	wsMu     sync.Mutex
	upgrader websocket.Upgrader
}

func NewApp(logger *slog.Logger, runner *orchestrator.Runner, cfg Config) *App {
	if cfg.OutputsLimit <= 0 {
		cfg.OutputsLimit = defaultOutputsLimit
	}
	if len(cfg.OutputPatterns) == 0 {
		cfg.OutputPatterns = []string{"*.mp4"}
	}

	app := &App{
		logger: logger,
		router: chi.NewRouter(),
		runner: runner,
		cfg:    cfg,
		jobs:   make(map[string]*jobState),
		subs:   make(map[string]map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	a.router.Get("/api/health", a.health)
	a.router.Post("/api/intent", a.saveIntent)
	a.router.Post("/api/generate", a.startGeneration)
	a.router.Post("/api/generate_stream", a.startGeneration)
	a.router.Get("/api/jobs", a.listJobs)
	a.router.Get("/api/jobs/{id}", a.jobStatus)
	a.router.Post("/api/jobs/{id}/cancel", a.cancelJob)
	a.router.Get("/api/jobs/{id}/ws", a.jobWS)
	a.router.Get("/api/outputs", a.listOutputs)

	outputsFS := http.FileServer(http.Dir(a.cfg.OutputsDir))
	a.router.Handle("/outputs/*", http.StripPrefix("/outputs/", outputsFS))
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *App) saveIntent(w http.ResponseWriter, r *http.Request) {
	var intent models.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	dest, err := a.writeIntent(intent.UserPrompt)
	if err != nil {
		a.logger.Error("failed to persist intent", "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not persist intent")
		return
	}

	a.logger.Info("intent saved", "path", dest)
	a.respondJSON(w, http.StatusOK, map[string]any{"ack": true, "path": dest})
}

func (a *App) startGeneration(w http.ResponseWriter, r *http.Request) {
	var req models.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		a.respondError(w, http.StatusBadRequest, "topic is required")
		return
	}

	// The generation pipeline reads the intent file, so it must be current
	// before the process starts.
	if _, err := a.writeIntent(req.Prompt()); err != nil {
		a.logger.Error("failed to persist intent", "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not persist intent")
		return
	}

	jobID := uuid.NewString()
	now := time.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	st := &jobState{
		job: models.Job{
			ID:        jobID,
			Topic:     strings.TrimSpace(req.Topic),
			Passage:   strings.TrimSpace(req.Passage),
			Date:      strings.TrimSpace(req.Date),
			Status:    models.StatusRunning,
			CreatedAt: now,
			UpdatedAt: now,
		},
		tail:   orchestrator.NewTailBuffer(a.cfg.TailLines),
		cancel: cancel,
	}

	a.mu.Lock()
	if a.active != "" {
		activeID := a.active
		a.mu.Unlock()
		cancel()
		a.respondError(w, http.StatusConflict, "a generation run is already active: "+activeID)
		return
	}
	a.active = jobID
	a.jobs[jobID] = st
	a.mu.Unlock()

	run, err := a.runner.Start(runCtx, func(line string) { a.appendTail(jobID, line) })
	if err != nil {
		cancel()
		a.finishJob(jobID, fmt.Errorf("failed to start pipeline: %w", err))
		a.respondError(w, http.StatusBadGateway, "failed to start generation pipeline")
		return
	}

	a.updateJob(jobID, func(j *models.Job) { j.PID = run.PID() })
	a.logger.Info("generation started", "job_id", jobID, "pid", run.PID(), "topic", st.job.Topic)
	go a.waitForRun(jobID, run)

	a.respondJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"job_id": jobID,
		"pid":    run.PID(),
	})
}

func (a *App) waitForRun(jobID string, run *orchestrator.Run) {
	err := run.Wait()

	a.mu.RLock()
	st, ok := a.jobs[jobID]
	canceled := ok && st.canceled
	a.mu.RUnlock()

	if canceled {
		err = errors.New("canceled")
	}
	a.finishJob(jobID, err)
}

// finishJob records the terminal status exactly once and releases the
// single-run slot.
func (a *App) finishJob(jobID string, runErr error) {
	a.mu.Lock()
	st, ok := a.jobs[jobID]
	if !ok || st.job.Status.Terminal() {
		a.mu.Unlock()
		return
	}
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	if runErr != nil {
		st.job.Status = models.StatusError
		st.job.Error = runErr.Error()
	} else {
		st.job.Status = models.StatusDone
	}
	st.job.LogTail = st.tail.String()
	st.job.UpdatedAt = time.Now()
	if a.active == jobID {
		a.active = ""
	}
	job := st.job
	a.mu.Unlock()

	if runErr != nil {
		a.logger.Error("generation failed", "job_id", jobID, "error", runErr)
	} else {
		a.logger.Info("generation completed", "job_id", jobID)
	}
	a.broadcast(jobID, currentJobEvent(job))
}

func (a *App) appendTail(jobID, line string) {
	a.mu.RLock()
	st, ok := a.jobs[jobID]
	a.mu.RUnlock()
	if !ok {
		return
	}
	st.tail.Append(line)
	tail := st.tail.String()
	a.updateJob(jobID, func(j *models.Job) { j.LogTail = tail })
	a.broadcastFor(jobID)
}

func (a *App) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, ok := a.getJob(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	a.respondJSON(w, http.StatusOK, job)
}

func (a *App) listJobs(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]any{"jobs": a.recentJobs(20)})
}

func (a *App) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	a.mu.Lock()
	st, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if st.job.Status.Terminal() {
		job := st.job
		a.mu.Unlock()
		a.respondJSON(w, http.StatusOK, job)
		return
	}
	st.canceled = true
	cancel := st.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.logger.Info("generation cancel requested", "job_id", jobID)
	a.respondJSON(w, http.StatusAccepted, map[string]any{"status": "canceling", "job_id": jobID})
}

func (a *App) listOutputs(w http.ResponseWriter, r *http.Request) {
	files, err := a.scanOutputs()
	if err != nil {
		a.logger.Error("failed to scan outputs", "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not list outputs")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

// scanOutputs walks the outputs tree for files matching the configured
// patterns and returns the newest slice as name/url pairs. Paths sort
// ascending, so the listing keeps the last OutputsLimit entries.
func (a *App) scanOutputs() ([]models.OutputFile, error) {
	var rels []string
	err := filepath.WalkDir(a.cfg.OutputsDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// An outputs dir that does not exist yet is an empty listing.
			if d == nil && errors.Is(walkErr, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		for _, pattern := range a.cfg.OutputPatterns {
			ok, matchErr := path.Match(pattern, d.Name())
			if matchErr != nil {
				return fmt.Errorf("bad output pattern %q: %w", pattern, matchErr)
			}
			if ok {
				rel, relErr := filepath.Rel(a.cfg.OutputsDir, p)
				if relErr != nil {
					return relErr
				}
				rels = append(rels, filepath.ToSlash(rel))
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(rels)
	if limit := a.cfg.OutputsLimit; limit > 0 && len(rels) > limit {
		rels = rels[len(rels)-limit:]
	}

	files := make([]models.OutputFile, 0, len(rels))
	for _, rel := range rels {
		files = append(files, models.OutputFile{Name: rel, URL: "/outputs/" + rel})
	}
	return files, nil
}

func (a *App) jobWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, ok := a.getJob(jobID); !ok {
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Subscribe and read the snapshot under one lock. A terminal broadcast
	// slipping between the two would never be followed by another event.
	a.mu.Lock()
	st, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	job := st.job
	if a.subs[jobID] == nil {
		a.subs[jobID] = make(map[*websocket.Conn]struct{})
	}
	a.subs[jobID][conn] = struct{}{}
	a.mu.Unlock()

	// A failed write surfaces in the read loop right below.
	a.wsMu.Lock()
	_ = conn.WriteJSON(currentJobEvent(job))
	a.wsMu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	a.mu.Lock()
	delete(a.subs[jobID], conn)
	a.mu.Unlock()
	_ = conn.Close()
}

func currentJobEvent(job models.Job) models.JobEvent {
	return models.JobEvent{
		ID:      job.ID,
		Status:  job.Status,
		LogTail: job.LogTail,
		Error:   job.Error,
	}
}

func (a *App) broadcastFor(jobID string) {
	job, ok := a.getJob(jobID)
	if !ok {
		return
	}
	a.broadcast(jobID, currentJobEvent(job))
}

func (a *App) broadcast(jobID string, evt models.JobEvent) {
	a.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(a.subs[jobID]))
	for c := range a.subs[jobID] {
		conns = append(conns, c)
	}
	a.mu.RUnlock()

	a.wsMu.Lock()
	defer a.wsMu.Unlock()
	for _, c := range conns {
		if err := c.WriteJSON(evt); err != nil {
			a.mu.Lock()
			delete(a.subs[jobID], c)
			a.mu.Unlock()
			_ = c.Close()
		}
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) respondError(w http.ResponseWriter, code int, msg string) {
	a.respondJSON(w, code, map[string]string{"error": msg})
}

func (a *App) getJob(id string) (models.Job, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return st.job, true
}

func (a *App) updateJob(id string, fn func(*models.Job)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.jobs[id]; ok {
		fn(&st.job)
		st.job.UpdatedAt = time.Now()
	}
}

func (a *App) recentJobs(limit int) []models.Job {
	a.mu.RLock()
	jobs := make([]models.Job, 0, len(a.jobs))
	for _, st := range a.jobs {
		jobs = append(jobs, st.job)
	}
	a.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// StartCleanupLoop prunes terminal job records older than ttl. Generated
// files stay on disk; they are what the outputs listing serves.
func (a *App) StartCleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.cleanup(ttl)
			}
		}
	}()
}

func (a *App) cleanup(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	removed := 0

	a.mu.Lock()
	for id, st := range a.jobs {
		if st.job.Status.Terminal() && st.job.UpdatedAt.Before(cutoff) {
			delete(a.jobs, id)
			removed++
		}
	}
	a.mu.Unlock()

	if removed > 0 {
		a.logger.Info("cleanup completed", "removed_jobs", removed)
	}
}

func (a *App) writeIntent(prompt string) (string, error) {
	if err := os.MkdirAll(a.cfg.InputsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to ensure inputs dir: %w", err)
	}
	payload, err := json.MarshalIndent(models.Intent{UserPrompt: prompt}, "", "  ")
	if err != nil {
		return "", err
	}
	dest := filepath.Join(a.cfg.InputsDir, intentFileName)
	if err := writeFileAtomic(dest, append(payload, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write intent file: %w", err)
	}
	return dest, nil
}

// writeFileAtomic writes data to a temp file in the destination directory
// and renames it into place, so readers never see a partial file.
func writeFileAtomic(dest string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".intent-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
