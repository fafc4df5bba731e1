// Package batch runs one exam's automation for many users, one run at a
// time with a pause between runs.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/shehryarbajwa/examflow/internal/worker"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

const (
	DefaultDelay     = 30 * time.Second
	MaxUsers         = 500
	defaultRetention = 24 * time.Hour
)

var (
	// ErrNotFound is returned for unknown batch ids
	ErrNotFound = errors.New("batch not found")
	// ErrFinished is returned when cancelling a batch that already ended
	ErrFinished = errors.New("batch already finished")
	// ErrInvalid wraps request validation failures
	ErrInvalid = errors.New("invalid batch")
)

// Status of a batch
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsFinished reports whether the batch will not start more runs
func (s Status) IsFinished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Run is one user's entry in a batch
type Run struct {
	UserID  string           `json:"userId"`
	RunID   string           `json:"runId,omitempty"`
	Status  models.RunStatus `json:"status,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Batch is a snapshot of a batch's progress
type Batch struct {
	ID         string        `json:"id"`
	ExamID     string        `json:"examId"`
	CreatedBy  string        `json:"createdBy,omitempty"`
	Status     Status        `json:"status"`
	Delay      time.Duration `json:"-"`
	DelaySecs  float64       `json:"delaySeconds"`
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Runs       []Run         `json:"runs"`
	CreatedAt  time.Time     `json:"createdAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// Progress is the share of users processed, in percent
func (b Batch) Progress() float64 {
	if b.Total == 0 {
		return 0
	}
	return float64(b.Completed) / float64(b.Total) * 100
}

// Request describes a batch to create
type Request struct {
	ExamID    string
	UserIDs   []string
	Delay     time.Duration // zero means DefaultDelay
	CreatedBy string
}

// Starter starts detached automation runs; *worker.Server implements it
type Starter interface {
	Start(ctx context.Context, examID, userID string) (*worker.DetachedRun, error)
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRetention sets how long finished batches stay listed (default 24h)
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

type job struct {
	mu     sync.Mutex
	batch  Batch
	users  []string
	cancel context.CancelFunc
}

func (j *job) snapshot() Batch {
	j.mu.Lock()
	defer j.mu.Unlock()
	b := j.batch
	b.Runs = slices.Clone(j.batch.Runs)
	return b
}

// Manager owns the batches of one process
type Manager struct {
	starter   Starter
	exams     worker.ExamSource
	jobs      *gocache.Cache
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a batch manager
func NewManager(starter Starter, exams worker.ExamSource, opts ...Option) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		starter:   starter,
		exams:     exams,
		retention: defaultRetention,
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleep,
		baseCtx:   ctx,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.jobs = gocache.New(gocache.NoExpiration, time.Hour)
	return m
}

// Create validates req and starts processing it in the background
func (m *Manager) Create(req Request) (Batch, error) {
	req.ExamID = strings.TrimSpace(req.ExamID)
	if req.ExamID == "" {
		return Batch{}, fmt.Errorf("%w: examId is required", ErrInvalid)
	}
	if _, err := m.exams.Lookup(req.ExamID); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	users, err := normalizeUsers(req.UserIDs)
	if err != nil {
		return Batch{}, err
	}
	if req.Delay < 0 {
		return Batch{}, fmt.Errorf("%w: delay must not be negative", ErrInvalid)
	}
	if req.Delay == 0 {
		req.Delay = DefaultDelay
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	j := &job{
		users:  users,
		cancel: cancel,
		batch: Batch{
			ID:        uuid.NewString(),
			ExamID:    req.ExamID,
			CreatedBy: req.CreatedBy,
			Status:    StatusPending,
			Delay:     req.Delay,
			DelaySecs: req.Delay.Seconds(),
			Total:     len(users),
			Runs:      []Run{},
			CreatedAt: m.now().UTC(),
		},
	}
	m.jobs.Set(j.batch.ID, j, gocache.NoExpiration)

	m.logger.Info("batch created", "batch_id", j.batch.ID, "exam_id", req.ExamID, "users", len(users), "delay", req.Delay)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.process(ctx, j)
	}()
	return j.snapshot(), nil
}

func normalizeUsers(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one userId is required", ErrInvalid)
	}
	if len(ids) > MaxUsers {
		return nil, fmt.Errorf("%w: at most %d users per batch", ErrInvalid, MaxUsers)
	}
	seen := make(map[string]bool, len(ids))
	users := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: empty userId", ErrInvalid)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		users = append(users, id)
	}
	return users, nil
}

// process starts each user's run, waits for it to finish, then pauses
func (m *Manager) process(ctx context.Context, j *job) {
	b := j.update(func(b *Batch) {
		if b.Status == StatusPending {
			b.Status = StatusRunning
		}
	})
	logger := m.logger.With("batch_id", b.ID, "exam_id", b.ExamID)

	final := StatusCompleted
	for i, userID := range j.users {
		if ctx.Err() != nil {
			final = StatusCancelled
			break
		}

		status, fatal := m.runOne(ctx, j, b.ExamID, userID, logger)
		if fatal {
			final = StatusFailed
			break
		}
		logger.Info("batch progress", "current", i+1, "total", len(j.users), "user_id", userID, "status", status)

		if i < len(j.users)-1 {
			if err := m.sleep(ctx, b.Delay); err != nil {
				final = StatusCancelled
				break
			}
		}
	}
	if ctx.Err() != nil && final == StatusCompleted {
		final = StatusCancelled
	}

	done := m.now().UTC()
	b = j.update(func(b *Batch) {
		b.Status = final
		b.FinishedAt = &done
	})
	m.jobs.Set(b.ID, j, m.retention)
	logger.Info("batch finished", "status", final, "successful", b.Successful, "failed", b.Failed)
}

// runOne runs the automation for one user and records the outcome. fatal
// reports an error that would fail every remaining run too.
func (m *Manager) runOne(ctx context.Context, j *job, examID, userID string, logger *slog.Logger) (status models.RunStatus, fatal bool) {
	run, err := m.starter.Start(ctx, examID, userID)
	if err != nil {
		logger.Warn("batch run did not start", "user_id", userID, "error", err)
		j.update(func(b *Batch) {
			b.Runs = append(b.Runs, Run{UserID: userID, Status: models.RunFailed, Message: err.Error()})
			b.Completed++
			b.Failed++
		})
		return models.RunFailed, errors.Is(err, worker.ErrExamUnavailable)
	}

	var idx int
	j.update(func(b *Batch) {
		idx = len(b.Runs)
		b.Runs = append(b.Runs, Run{UserID: userID, RunID: run.ID, Status: models.RunRunning})
	})

	final := run.Result()
	j.update(func(b *Batch) {
		b.Runs[idx].Status = final.Status
		b.Runs[idx].Message = final.ResultMessage
		b.Completed++
		if final.Status == models.RunCompleted {
			b.Successful++
		} else {
			b.Failed++
		}
	})
	return final.Status, false
}

func (j *job) update(fn func(*Batch)) Batch {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.batch)
	b := j.batch
	b.Runs = slices.Clone(j.batch.Runs)
	return b
}

// Get returns a batch snapshot
func (m *Manager) Get(id string) (Batch, error) {
	v, ok := m.jobs.Get(id)
	if !ok {
		return Batch{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*job).snapshot(), nil
}

// List returns all retained batches, newest first
func (m *Manager) List() []Batch {
	items := m.jobs.Items()
	out := make([]Batch, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*job).snapshot())
	}
	slices.SortFunc(out, func(a, b Batch) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// Cancel stops a batch. The run in progress is abandoned and no further
// runs start.
func (m *Manager) Cancel(id string) (Batch, error) {
	v, ok := m.jobs.Get(id)
	if !ok {
		return Batch{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	j := v.(*job)

	j.mu.Lock()
	if j.batch.Status.IsFinished() {
		j.mu.Unlock()
		return Batch{}, fmt.Errorf("%w: %s", ErrFinished, id)
	}
	j.batch.Status = StatusCancelled
	j.mu.Unlock()

	j.cancel()
	m.logger.Info("batch cancelled", "batch_id", id)
	return j.snapshot(), nil
}

// Shutdown cancels every batch and waits for their runs to end
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
