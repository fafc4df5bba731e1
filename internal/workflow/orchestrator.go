package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shehryarbajwa/examflow/internal/protocol"
	"github.com/shehryarbajwa/examflow/internal/transport"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

// ErrOrchestratorClosed is returned by operations after Close
var ErrOrchestratorClosed = errors.New("orchestrator closed")

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithToken sets the bearer token sent when opening channels
func WithToken(token string) Option {
	return func(o *Orchestrator) { o.token = token }
}

// WithLogger sets the diagnostics logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source for log timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns one Session and the transport channel serving it.
// Every state change, whether from the channel or from a public call, runs
// on a single mailbox goroutine, so Session fields are never mutated
// concurrently.
type Orchestrator struct {
	dialer transport.Dialer
	token  string
	logger *slog.Logger
	now    func() time.Time

	box       *mailbox
	quit      chan struct{}
	closeOnce sync.Once

	// Owned by the mailbox goroutine.
	session    models.Session
	channel    transport.Channel
	attempt    uint64
	cancelDial context.CancelFunc

	mu       sync.RWMutex
	snapshot models.Session
	subs     map[int]chan models.Session
	nextSub  int
}

// New creates an idle orchestrator that opens channels through dialer
func New(dialer transport.Dialer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dialer:   dialer,
		logger:   slog.Default(),
		now:      time.Now,
		box:      newMailbox(),
		quit:     make(chan struct{}),
		session:  models.NewSession(),
		snapshot: models.NewSession(),
		subs:     make(map[int]chan models.Session),
	}
	for _, opt := range opts {
		opt(o)
	}

	go o.box.run(o.quit)
	return o
}

// Start begins an automation attempt. It returns once the attempt is
// connecting; the outcome of the connection is observed through Session.
func (o *Orchestrator) Start(examID, userID string) error {
	return o.call(func() error {
		return o.apply(StartEvent{ExamID: examID, UserID: userID})
	})
}

// SubmitOTP answers a pending OTP request
func (o *Orchestrator) SubmitOTP(value string) error {
	return o.submit(SubmitEvent{Kind: models.InputOTP, Value: value})
}

// SubmitCaptcha answers a pending captcha request
func (o *Orchestrator) SubmitCaptcha(value string) error {
	return o.submit(SubmitEvent{Kind: models.InputCaptcha, Value: value})
}

// SubmitCustomInput answers a pending custom field request
func (o *Orchestrator) SubmitCustomInput(fieldID, value string) error {
	return o.submit(SubmitEvent{Kind: models.InputCustom, FieldID: fieldID, Value: value})
}

func (o *Orchestrator) submit(ev SubmitEvent) error {
	return o.call(func() error {
		err := o.apply(ev)
		if err != nil {
			o.logger.Debug("submission rejected", "kind", ev.Kind, "error", err)
		}
		return err
	})
}

// Reset returns a finished session to idle, clearing all accumulated state
func (o *Orchestrator) Reset() error {
	return o.call(func() error {
		return o.apply(ResetEvent{})
	})
}

// Close hangs up the channel and stops the orchestrator. It is safe to call
// from any state and more than once. The worker is expected to notice the
// disconnect and abandon its run.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		done := make(chan struct{})
		if !o.box.post(func() {
			o.hangup()
			close(done)
		}) {
			close(done)
		}
		<-done
		close(o.quit)

		o.mu.Lock()
		for id, ch := range o.subs {
			close(ch)
			delete(o.subs, id)
		}
		o.mu.Unlock()
	})
	return nil
}

// Snapshot returns a copy of the current session
func (o *Orchestrator) Snapshot() models.Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot.Clone()
}

// Subscribe returns a channel that always holds the latest session snapshot.
// Intermediate snapshots may be skipped if the reader is slow. The returned
// func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan models.Session, func()) {
	ch := make(chan models.Session, 1)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	select {
	case <-o.quit:
		close(ch)
		o.mu.Unlock()
		return ch, func() {}
	default:
	}
	o.subs[id] = ch
	ch <- o.snapshot.Clone()
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
		})
	}
}

// Wait blocks until the session reaches a terminal status or ctx is done
func (o *Orchestrator) Wait(ctx context.Context) (models.Session, error) {
	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	last := o.Snapshot()
	for {
		if last.Status.IsTerminal() {
			return last, nil
		}
		select {
		case s, ok := <-updates:
			if !ok {
				return last, ErrOrchestratorClosed
			}
			last = s
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

// call runs fn on the mailbox goroutine and returns its result
func (o *Orchestrator) call(fn func() error) error {
	reply := make(chan error, 1)
	if !o.box.post(func() { reply <- fn() }) {
		return ErrOrchestratorClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.quit:
		return ErrOrchestratorClosed
	}
}

// apply runs one event through the state machine. Effects run before the
// new session is committed so a failed send leaves the session unchanged.
func (o *Orchestrator) apply(ev Event) error {
	prev := o.session
	out, err := Transition(prev, ev, o.now())
	if err != nil {
		return err
	}

	if out.Violation != "" {
		o.logger.Warn("protocol violation", "session_id", prev.SessionID, "detail", out.Violation)
	}

	for _, eff := range out.Effects {
		if err := o.perform(eff); err != nil {
			return err
		}
	}

	o.commit(out.Session)

	if prev.Status != out.Session.Status {
		o.logger.Info("session transition",
			"exam_id", out.Session.ExamID,
			"user_id", out.Session.UserID,
			"session_id", out.Session.SessionID,
			"from", prev.Status,
			"to", out.Session.Status,
		)
	}
	return nil
}

func (o *Orchestrator) perform(eff Effect) error {
	switch eff := eff.(type) {
	case OpenChannel:
		o.open(eff)
	case SendFrame:
		if o.channel == nil {
			return fmt.Errorf("failed to send %s: %w", eff.Frame.FrameType(), transport.ErrClosed)
		}
		if err := o.channel.Send(eff.Frame); err != nil {
			return fmt.Errorf("failed to send %s: %w", eff.Frame.FrameType(), err)
		}
	case CloseChannel:
		o.hangup()
	}
	return nil
}

func (o *Orchestrator) commit(s models.Session) {
	o.session = s

	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = s
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.Clone()
	}
}

// open dials in the background. Frames for this attempt are held back until
// the channel handle has been recorded, so a submit can always find it.
func (o *Orchestrator) open(eff OpenChannel) {
	o.hangup()
	attempt := o.attempt

	ctx, cancel := context.WithCancel(context.Background())
	o.cancelDial = cancel

	h := &attemptHandler{o: o, attempt: attempt, ready: make(chan struct{})}
	params := transport.Params{ExamID: eff.ExamID, UserID: eff.UserID, Token: o.token}

	go func() {
		ch, err := o.dialer.Dial(ctx, params, h)
		posted := o.box.post(func() {
			defer h.markReady()
			if attempt != o.attempt {
				if ch != nil {
					ch.Close()
				}
				return
			}
			if err != nil {
				o.logger.Warn("failed to open channel", "exam_id", eff.ExamID, "user_id", eff.UserID, "error", err)
				o.apply(OpenFailedEvent{Err: err})
				return
			}
			o.channel = ch
			if o.session.Status.IsTerminal() {
				o.hangup()
			}
		})
		if posted {
			// A closure posted while Close is running may never run.
			select {
			case <-h.ready:
				return
			case <-o.quit:
			}
		}
		h.markReady()
		if ch != nil {
			ch.Close()
		}
	}()
}

// hangup closes the current channel, if any, and cancels an in-flight dial.
// Later events from that channel are dropped.
func (o *Orchestrator) hangup() {
	o.attempt++
	if o.cancelDial != nil {
		o.cancelDial()
		o.cancelDial = nil
	}
	if o.channel != nil {
		o.channel.Close()
		o.channel = nil
	}
}

// attemptHandler routes channel events for one attempt into the mailbox.
// Events from an attempt that is no longer current are dropped.
type attemptHandler struct {
	o         *Orchestrator
	attempt   uint64
	ready     chan struct{}
	readyOnce sync.Once
}

func (h *attemptHandler) markReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *attemptHandler) HandleFrame(f protocol.Frame) {
	<-h.ready
	h.o.box.post(func() {
		if h.attempt != h.o.attempt {
			return
		}
		h.o.apply(FrameEvent{Frame: f})
	})
}

func (h *attemptHandler) HandleClose(err error) {
	<-h.ready
	h.o.box.post(func() {
		if h.attempt != h.o.attempt {
			return
		}
		h.o.channel = nil
		if err != nil {
			h.o.logger.Warn("channel closed", "error", err)
		}
		h.o.apply(ClosedEvent{Err: err})
	})
}
