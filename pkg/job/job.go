// Package job implements the in-memory job registry and submit/cancel/
// status lifecycle (spec §4.8, C8): it generates job IDs, dispatches the
// orchestrator on its own goroutine per job, and answers status queries
// from memory first, falling back to the session store for jobs whose
// record has aged out of memory.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jflournoy/beamsearch/pkg/errorkind"
	"github.com/jflournoy/beamsearch/pkg/orchestrator"
	"github.com/jflournoy/beamsearch/pkg/store"
)

// Status is a job's lifecycle state (spec §3): pending → running →
// {completed, failed, cancelled}, terminal states sticky. Distinct from
// store.Status, which spells the terminal success state "complete"
// rather than "completed" for the session record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func fromStoreStatus(s store.Status) Status {
	switch s {
	case store.StatusComplete:
		return StatusCompleted
	case store.StatusFailed:
		return StatusFailed
	case store.StatusCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

// ErrJobNotFound is returned by Cancel/Status/Metadata when jobID is
// unknown to both the in-memory registry and the session store.
var ErrJobNotFound = errors.New("job not found")

// Runner is the subset of orchestrator.Orchestrator the manager drives.
// Injected as an interface so Submit can be tested without a real
// provider/GPU stack.
type Runner interface {
	Run(ctx context.Context, jobID string, params orchestrator.Params) (orchestrator.Result, error)
}

// SessionLookup is the subset of pkg/store.Store the manager falls back
// to once a job's in-memory record is gone.
type SessionLookup interface {
	FindSessionIDByJobID(jobID string) (string, error)
	GetMetadata(sessionID string) (store.Metadata, error)
}

// Notifier is notified once a job reaches a terminal state. Nil-safe:
// a nil Notifier is simply never called.
type Notifier interface {
	NotifyJobDone(ctx context.Context, snap Snapshot)
}

// Snapshot is a safe-to-serialize point-in-time copy of a job record,
// returned by Submit and Status (spec §6's job record shape).
type Snapshot struct {
	JobID       string               `json:"jobId"`
	SessionID   string               `json:"sessionId,omitempty"`
	SessionPath string               `json:"sessionPath,omitempty"`
	Status      Status               `json:"status"`
	Params      map[string]any       `json:"params"`
	StartTime   time.Time            `json:"startTime"`
	EndTime     *time.Time           `json:"endTime,omitempty"`
	Result      *orchestrator.Result `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// record is the mutable in-memory job entry. Exported only through
// Snapshot, mirroring the teacher's Session/Clone split.
type record struct {
	mu sync.RWMutex

	jobID       string
	sessionID   string
	sessionPath string
	params      orchestrator.Params
	status      Status
	startTime   time.Time
	endTime     *time.Time
	result      *orchestrator.Result
	errMessage  string

	cancel context.CancelFunc
}

func (r *record) snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		JobID:       r.jobID,
		SessionID:   r.sessionID,
		SessionPath: r.sessionPath,
		Status:      r.status,
		Params:      r.params.AsMap(),
		StartTime:   r.startTime,
		EndTime:     r.endTime,
		Result:      r.result,
		Error:       r.errMessage,
	}
}

func (r *record) setSession(sessionID, sessionPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = sessionID
	r.sessionPath = sessionPath
}

func (r *record) finish(status Status, result *orchestrator.Result, errMessage string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.endTime = &now
	r.result = result
	r.errMessage = errMessage
}

// Manager owns the in-memory job registry and drives submissions onto
// fresh goroutines, one per job (spec §5: "each job executes on its own
// task"). The zero value is not usable; use New.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*record

	runner   Runner
	sessions SessionLookup
	notifier Notifier
	logger   *slog.Logger
}

// New creates a Manager. runner and notifier may be nil; runner must be
// set via SetRunner before the first Submit, since the orchestrator
// itself depends on SessionHook at construction time and so cannot
// always be built before the Manager it points back into.
func New(runner Runner, sessions SessionLookup, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		jobs:     make(map[string]*record),
		runner:   runner,
		sessions: sessions,
		notifier: notifier,
		logger:   logger,
	}
}

// SetRunner wires the orchestrator after construction, breaking the
// circular dependency between Manager (needs a Runner) and Orchestrator
// (needs Manager.SessionHook as a WithSessionHook option).
func (m *Manager) SetRunner(runner Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner = runner
}

// Submit validates params, mints a job ID, persists a running job record
// and dispatches the orchestrator on a fresh goroutine, returning
// immediately (spec §4.8: "the worker, not the HTTP handler, drives the
// orchestrator").
func (m *Manager) Submit(params orchestrator.Params) (Snapshot, error) {
	if err := Validate(params); err != nil {
		return Snapshot{}, err
	}

	jobID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	rec := &record{
		jobID:     jobID,
		params:    params,
		status:    StatusRunning,
		startTime: time.Now(),
		cancel:    cancel,
	}

	m.mu.Lock()
	m.jobs[jobID] = rec
	m.mu.Unlock()

	go m.run(ctx, rec)

	return rec.snapshot(), nil
}

func (m *Manager) run(ctx context.Context, rec *record) {
	result, err := m.runner.Run(ctx, rec.jobID, rec.params)

	switch {
	case err == nil:
		rec.finish(StatusCompleted, &result, "")
	case errors.Is(err, context.Canceled):
		rec.finish(StatusCancelled, &result, "")
	default:
		m.logger.Error("job failed", "jobId", rec.jobID, "error", err)
		rec.finish(StatusFailed, &result, errorkind.ToUserFacing(err).Message)
	}

	if m.notifier != nil {
		m.notifier.NotifyJobDone(context.Background(), rec.snapshot())
	}
}

// onSession is wired as orchestrator.WithSessionHook, letting the
// manager learn a job's sessionID as soon as it's minted rather than
// only once the job finishes.
func (m *Manager) onSession(jobID, sessionID, sessionDir string) {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	rec.setSession(sessionID, sessionDir)
}

// SessionHook returns the callback to pass to orchestrator.WithSessionHook.
func (m *Manager) SessionHook() func(jobID, sessionID, sessionDir string) {
	return m.onSession
}

// Cancel requests cancellation of jobID and returns once the cancel
// function has been invoked (spec §4.8: "respond 200 once flag is set,
// do not wait for the worker to notice").
func (m *Manager) Cancel(jobID string) error {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	rec.cancel()
	return nil
}

// Status returns jobID's current snapshot, preferring the in-memory
// record and falling back to the session store (spec §4.8).
func (m *Manager) Status(jobID string) (Snapshot, error) {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if ok {
		return rec.snapshot(), nil
	}
	return m.statusFromStore(jobID)
}

func (m *Manager) statusFromStore(jobID string) (Snapshot, error) {
	if m.sessions == nil {
		return Snapshot{}, ErrJobNotFound
	}
	sessionID, err := m.sessions.FindSessionIDByJobID(jobID)
	if err != nil {
		return Snapshot{}, ErrJobNotFound
	}
	meta, err := m.sessions.GetMetadata(sessionID)
	if err != nil {
		return Snapshot{}, ErrJobNotFound
	}
	return snapshotFromMetadata(jobID, meta), nil
}

func snapshotFromMetadata(jobID string, meta store.Metadata) Snapshot {
	snap := Snapshot{
		JobID:     jobID,
		SessionID: meta.SessionID,
		Status:    fromStoreStatus(meta.Status),
		Params: orchestrator.Params{
			Prompt:      meta.UserPrompt,
			N:           meta.Config.BeamWidth,
			M:           meta.Config.KeepTop,
			Iterations:  meta.Config.MaxIterations,
			Alpha:       meta.Config.Alpha,
			Temperature: meta.Config.Temperature,
		}.AsMap(),
		StartTime: meta.CreatedAt,
	}
	if meta.Status != store.StatusRunning {
		endTime := meta.UpdatedAt
		snap.EndTime = &endTime
	}
	if meta.Winner != nil {
		snap.Result = &orchestrator.Result{
			SessionID:       meta.SessionID,
			BestCandidateID: meta.Winner.CandidateID,
		}
	}
	snap.Error = meta.ErrorMessage
	return snap
}

// Metadata returns the session metadata document for jobID (spec §4.8,
// §6): possibly in-progress while the job is running.
func (m *Manager) Metadata(jobID string) (store.Metadata, error) {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	m.mu.RUnlock()

	var sessionID string
	if ok {
		snap := rec.snapshot()
		if snap.SessionID == "" {
			return store.Metadata{}, fmt.Errorf("%w: session not yet created", ErrJobNotFound)
		}
		sessionID = snap.SessionID
	} else if m.sessions != nil {
		var err error
		sessionID, err = m.sessions.FindSessionIDByJobID(jobID)
		if err != nil {
			return store.Metadata{}, ErrJobNotFound
		}
	} else {
		return store.Metadata{}, ErrJobNotFound
	}

	meta, err := m.sessions.GetMetadata(sessionID)
	if err != nil {
		return store.Metadata{}, ErrJobNotFound
	}
	return meta, nil
}
