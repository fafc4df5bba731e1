package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/examflow/pkg/models"
)

var (
	// ErrRunNotFound is returned for unknown run ids
	ErrRunNotFound = errors.New("run not found")
	// ErrConcurrencyLimit is returned when a user already has the maximum number of live runs
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	// ErrRunFinished is returned when updating a run that has already finished
	ErrRunFinished = errors.New("run already finished")
)

// Store persists runs. The audit package provides the SQLite implementation.
type Store interface {
	SaveRun(ctx context.Context, run models.Run) error
	AppendLog(ctx context.Context, runID string, entry models.LogEntry) error
	GetRun(ctx context.Context, id string) (models.Run, error)
}

// Option configures a Manager
type Option func(*Manager)

// WithStore persists every run change to s
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithMaxRunsPerUser caps concurrent live runs per user (default 3)
func WithMaxRunsPerUser(n int) Option {
	return func(m *Manager) { m.maxPerUser = int64(n) }
}

// WithScreenshotTTL sets how long the latest screenshot of a run is kept
func WithScreenshotTTL(d time.Duration) Option {
	return func(m *Manager) { m.screenshotTTL = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type liveRun struct {
	mu       sync.Mutex
	run      models.Run
	finished bool
}

// Manager tracks the worker's live automation runs
type Manager struct {
	runs          sync.Map // map[runID]*liveRun
	slots         map[string]*semaphore.Weighted
	mu            sync.Mutex
	maxPerUser    int64
	store         Store
	screenshots   *gocache.Cache
	screenshotTTL time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewManager creates a run manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		slots:         make(map[string]*semaphore.Weighted),
		maxPerUser:    3,
		screenshotTTL: 30 * time.Minute,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.screenshots = gocache.New(m.screenshotTTL, m.screenshotTTL/2)
	return m
}

// Create registers a new running run for userID, taking one of the user's slots
func (m *Manager) Create(ctx context.Context, examID, userID string) (models.Run, error) {
	if examID == "" || userID == "" {
		return models.Run{}, fmt.Errorf("examId and userId are required")
	}

	if err := m.acquireSlot(userID); err != nil {
		return models.Run{}, err
	}

	run := models.Run{
		ID:        uuid.New().String(),
		ExamID:    examID,
		UserID:    userID,
		Status:    models.RunRunning,
		StartedAt: m.now().UTC(),
	}

	if err := m.persist(ctx, run); err != nil {
		m.releaseSlot(userID)
		return models.Run{}, err
	}

	m.runs.Store(run.ID, &liveRun{run: run})
	m.logger.Info("run created", "run_id", run.ID, "exam_id", examID, "user_id", userID)
	return run, nil
}

// Get returns a live run, falling back to the store for finished ones
func (m *Manager) Get(ctx context.Context, id string) (models.Run, error) {
	if lr, ok := m.live(id); ok {
		lr.mu.Lock()
		defer lr.mu.Unlock()
		return lr.run, nil
	}
	if m.store != nil {
		run, err := m.store.GetRun(ctx, id)
		if err == nil {
			return run, nil
		}
		m.logger.Debug("run lookup in store failed", "run_id", id, "error", err)
	}
	return models.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// List returns live runs, optionally filtered by user and status
func (m *Manager) List(userID string, status models.RunStatus) []models.Run {
	runs := []models.Run{}

	m.runs.Range(func(key, value interface{}) bool {
		lr := value.(*liveRun)
		lr.mu.Lock()
		run := lr.run
		lr.mu.Unlock()

		if userID != "" && run.UserID != userID {
			return true
		}
		if status != "" && run.Status != status {
			return true
		}
		runs = append(runs, run)
		return true
	})

	return runs
}

// Count returns the number of live runs
func (m *Manager) Count() int {
	n := 0
	m.runs.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// AppendLog records a log line against a run
func (m *Manager) AppendLog(ctx context.Context, id string, level models.LogLevel, message string) error {
	if _, ok := m.live(id); !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if m.store == nil {
		return nil
	}
	return m.store.AppendLog(ctx, id, models.LogEntry{Message: message, Level: level, Timestamp: m.now().UTC()})
}

// Progress records the step the run is on
func (m *Manager) Progress(ctx context.Context, id, step string, progress int) error {
	return m.update(ctx, id, func(run *models.Run) {
		if step != "" {
			run.CurrentStep = step
		}
		run.Progress = progress
	})
}

// SetWaiting flips a run between running and waiting_input
func (m *Manager) SetWaiting(ctx context.Context, id string, waiting bool) error {
	return m.update(ctx, id, func(run *models.Run) {
		if waiting {
			run.Status = models.RunWaitingInput
		} else {
			run.Status = models.RunRunning
		}
	})
}

// SetScreenshot keeps the latest screenshot of a run
func (m *Manager) SetScreenshot(id, imageData string) {
	m.screenshots.Set(id, imageData, gocache.DefaultExpiration)
}

// Screenshot returns the latest screenshot of a run, if still cached
func (m *Manager) Screenshot(id string) (string, bool) {
	v, ok := m.screenshots.Get(id)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Finish moves a run to a final status, persists it and frees the user's slot.
// Finishing an already finished run returns ErrRunFinished.
func (m *Manager) Finish(ctx context.Context, id string, status models.RunStatus, message string) (models.Run, error) {
	if !status.IsFinished() {
		return models.Run{}, fmt.Errorf("%s is not a final status", status)
	}

	value, ok := m.runs.LoadAndDelete(id)
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrRunFinished, id)
	}
	lr := value.(*liveRun)

	lr.mu.Lock()
	done := m.now().UTC()
	lr.finished = true
	lr.run.Status = status
	lr.run.ResultMessage = message
	lr.run.CompletedAt = &done
	run := lr.run
	err := m.persist(ctx, run)
	lr.mu.Unlock()

	m.releaseSlot(run.UserID)

	m.logger.Info("run finished",
		"run_id", run.ID,
		"user_id", run.UserID,
		"status", run.Status,
		"duration", done.Sub(run.StartedAt).Round(time.Millisecond),
	)
	return run, err
}

func (m *Manager) live(id string) (*liveRun, bool) {
	value, ok := m.runs.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*liveRun), true
}

func (m *Manager) update(ctx context.Context, id string, fn func(*models.Run)) error {
	lr, ok := m.live(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunFinished, id)
	}

	// Persisting under the lock keeps a late update from overwriting the
	// final state written by Finish.
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.finished {
		return fmt.Errorf("%w: %s", ErrRunFinished, id)
	}
	fn(&lr.run)
	return m.persist(ctx, lr.run)
}

func (m *Manager) persist(ctx context.Context, run models.Run) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveRun(ctx, run); err != nil {
		m.logger.Error("failed to persist run", "run_id", run.ID, "error", err)
		return err
	}
	return nil
}

// acquireSlot tries to take one of the user's concurrent run slots
func (m *Manager) acquireSlot(userID string) error {
	m.mu.Lock()
	sem, exists := m.slots[userID]
	if !exists {
		sem = semaphore.NewWeighted(m.maxPerUser)
		m.slots[userID] = sem
	}
	m.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("%w: user %s already has %d runs", ErrConcurrencyLimit, userID, m.maxPerUser)
	}
	return nil
}

func (m *Manager) releaseSlot(userID string) {
	m.mu.Lock()
	sem := m.slots[userID]
	m.mu.Unlock()

	if sem != nil {
		sem.Release(1)
	}
}
