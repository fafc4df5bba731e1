package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shehryarbajwa/examflow/internal/protocol"
	"github.com/shehryarbajwa/examflow/internal/transport"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

type fakeChannel struct {
	handler transport.Handler

	mu     sync.Mutex
	sent   []protocol.Frame
	closes int
}

func (c *fakeChannel) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeChannel) emit(frames ...protocol.Frame) {
	for _, f := range frames {
		c.handler.HandleFrame(f)
	}
}

func (c *fakeChannel) sentFrames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.sent...)
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeDialer struct {
	err    error
	params chan transport.Params
	dialed chan *fakeChannel
}

func newFakeDialer(err error) *fakeDialer {
	return &fakeDialer{
		err:    err,
		params: make(chan transport.Params, 4),
		dialed: make(chan *fakeChannel, 4),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, p transport.Params, h transport.Handler) (transport.Channel, error) {
	d.params <- p
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{handler: h}
	d.dialed <- ch
	return ch, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-d.dialed:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator never dialed")
		return nil
	}
}

func newTestOrchestrator(d transport.Dialer) *Orchestrator {
	return New(d,
		WithToken("tok"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func waitFor(t *testing.T, o *Orchestrator, desc string, cond func(models.Session) bool) models.Session {
	t.Helper()
	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-updates:
			if cond(s) {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s; last snapshot %+v", desc, o.Snapshot())
		}
	}
}

func hasStatus(status models.SessionStatus) func(models.Session) bool {
	return func(s models.Session) bool { return s.Status == status }
}

// flush waits until everything posted so far has been applied
func flush(t *testing.T, o *Orchestrator) {
	t.Helper()
	if err := o.call(func() error { return nil }); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func startRunning(t *testing.T) (*Orchestrator, *fakeDialer, *fakeChannel) {
	t.Helper()
	d := newFakeDialer(nil)
	o := newTestOrchestrator(d)

	if err := o.Start("7", "42"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := d.next(t)
	ch.emit(protocol.SessionCreated{SessionID: "abc"})
	waitFor(t, o, "running", hasStatus(models.StatusRunning))
	return o, d, ch
}

func TestStartConnectsAndStoresSessionID(t *testing.T) {
	o, d, _ := startRunning(t)
	defer o.Close()

	p := <-d.params
	if p.ExamID != "7" || p.UserID != "42" || p.Token != "tok" {
		t.Errorf("Unexpected dial params %+v", p)
	}

	s := o.Snapshot()
	if s.SessionID != "abc" {
		t.Errorf("Expected sessionId abc, got %q", s.SessionID)
	}
	if s.ExamID != "7" || s.UserID != "42" {
		t.Errorf("Expected exam 7 user 42, got %q %q", s.ExamID, s.UserID)
	}
}

func TestStartReturnsWhileConnecting(t *testing.T) {
	d := newFakeDialer(nil)
	o := newTestOrchestrator(d)
	defer o.Close()

	if err := o.Start("7", "42"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := o.Snapshot().Status; got != models.StatusConnecting {
		t.Errorf("Expected connecting right after Start, got %s", got)
	}
	if err := o.Start("7", "42"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected second Start to fail with ErrInvalidState, got %v", err)
	}
}

func TestOTPRoundTrip(t *testing.T) {
	o, _, ch := startRunning(t)
	defer o.Close()

	ch.emit(protocol.RequestOTP{})
	s := waitFor(t, o, "waiting", hasStatus(models.StatusWaiting))
	if s.PendingInput == nil || s.PendingInput.Kind != models.InputOTP {
		t.Fatalf("Expected pending otp, got %+v", s.PendingInput)
	}

	if err := o.SubmitOTP("123456"); err != nil {
		t.Fatalf("SubmitOTP failed: %v", err)
	}

	sent := ch.sentFrames()
	if len(sent) != 1 || sent[0] != protocol.Frame(protocol.SubmitOTP{Value: "123456"}) {
		t.Errorf("Expected submit-otp 123456, got %#v", sent)
	}
	if s := o.Snapshot(); s.Status != models.StatusRunning || s.PendingInput != nil {
		t.Errorf("Expected running without pending input, got %s %+v", s.Status, s.PendingInput)
	}
}

func TestSubmitWithoutMatchingRequestIsNoOp(t *testing.T) {
	o, _, ch := startRunning(t)
	defer o.Close()

	before := o.Snapshot()
	if err := o.SubmitOTP("123456"); !errors.Is(err, ErrNoPendingInput) {
		t.Errorf("Expected ErrNoPendingInput, got %v", err)
	}

	ch.emit(protocol.RequestCaptcha{ImageData: "img"})
	waitFor(t, o, "waiting", hasStatus(models.StatusWaiting))
	waiting := o.Snapshot()

	if err := o.SubmitOTP("123456"); !errors.Is(err, ErrInputMismatch) {
		t.Errorf("Expected ErrInputMismatch, got %v", err)
	}
	if err := o.SubmitCustomInput("dob", "x"); !errors.Is(err, ErrInputMismatch) {
		t.Errorf("Expected ErrInputMismatch, got %v", err)
	}

	if len(ch.sentFrames()) != 0 {
		t.Errorf("Expected no outbound frames, got %#v", ch.sentFrames())
	}
	after := o.Snapshot()
	if after.Status != waiting.Status || len(after.Log) != len(waiting.Log) {
		t.Errorf("Expected session unchanged by rejected submissions")
	}
	if len(waiting.Log) != len(before.Log)+1 {
		t.Errorf("Expected only the captcha request to add a log entry")
	}
}

func TestSubmitFailsWhenSendFails(t *testing.T) {
	o, _, ch := startRunning(t)
	defer o.Close()

	ch.emit(protocol.RequestOTP{})
	waitFor(t, o, "waiting", hasStatus(models.StatusWaiting))

	ch.Close()
	if err := o.SubmitOTP("123456"); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if got := o.Snapshot().Status; got != models.StatusWaiting {
		t.Errorf("Expected session to stay waiting, got %s", got)
	}
}

func TestResultSuccess(t *testing.T) {
	o, _, ch := startRunning(t)
	defer o.Close()

	ch.emit(protocol.Result{Success: true, Message: "Registered"})
	s := waitFor(t, o, "success", hasStatus(models.StatusSuccess))

	found := false
	for _, e := range s.Log {
		if e.Message == "Registered" && e.Level == models.LevelSuccess {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected success log entry Registered, got %+v", s.Log)
	}
	if ch.closeCount() == 0 {
		t.Error("Expected channel to be closed after result")
	}
}

func TestUnexpectedCloseWhileRunning(t *testing.T) {
	o, _, ch := startRunning(t)
	defer o.Close()

	ch.handler.HandleClose(io.ErrUnexpectedEOF)
	s := waitFor(t, o, "failed", hasStatus(models.StatusFailed))

	last := s.Log[len(s.Log)-1]
	if last.Message != "Connection lost" || last.Level != models.LevelError {
		t.Errorf("Expected Connection lost error entry, got %+v", last)
	}
}

func TestCloseAfterResultKeepsSuccess(t *testing.T) {
	d := newFakeDialer(nil)
	o := newTestOrchestrator(d)
	defer o.Close()

	o.Start("7", "42")
	ch := d.next(t)

	// The worker's orderly hang-up right after the result must not read as
	// a lost connection.
	ch.emit(protocol.SessionCreated{SessionID: "abc"}, protocol.Result{Success: true, Message: "done"})
	ch.handler.HandleClose(nil)
	ch.emit(protocol.Log{Message: "late"})
	flush(t, o)

	s := o.Snapshot()
	if s.Status != models.StatusSuccess {
		t.Fatalf("Expected success, got %s", s.Status)
	}
	for _, e := range s.Log {
		if e.Message == "Connection lost" || e.Message == "late" {
			t.Errorf("Unexpected entry after terminal state: %+v", e)
		}
	}
}

func TestDialFailure(t *testing.T) {
	d := newFakeDialer(errors.New("connection refused"))
	o := newTestOrchestrator(d)
	defer o.Close()

	if err := o.Start("7", "42"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s := waitFor(t, o, "failed", hasStatus(models.StatusFailed))
	if s.SessionID != "" {
		t.Errorf("Expected no session id, got %q", s.SessionID)
	}
	if s.Log[len(s.Log)-1].Level != models.LevelError {
		t.Errorf("Expected error entry, got %+v", s.Log[len(s.Log)-1])
	}
}

func TestCloseBeforeSessionCreated(t *testing.T) {
	d := newFakeDialer(nil)
	o := newTestOrchestrator(d)
	defer o.Close()

	o.Start("7", "42")
	ch := d.next(t)
	ch.handler.HandleClose(errors.New("reset by peer"))

	s := waitFor(t, o, "failed", hasStatus(models.StatusFailed))
	if s.SessionID != "" {
		t.Errorf("Expected sessionId to remain unset, got %q", s.SessionID)
	}
}

func TestResetThenRestart(t *testing.T) {
	o, d, ch := startRunning(t)
	defer o.Close()

	ch.emit(
		protocol.Screenshot{ImageData: "img"},
		protocol.RequestOTP{},
		protocol.Result{Success: false, Message: "Portal down"},
	)
	waitFor(t, o, "failed", hasStatus(models.StatusFailed))

	if err := o.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	s := o.Snapshot()
	if s.Status != models.StatusIdle || len(s.Log) != 0 || s.Progress != 0 || s.LatestScreenshot != "" || s.PendingInput != nil {
		t.Errorf("Expected blank idle session, got %+v", s)
	}

	// Frames from the old channel must not leak into the next attempt.
	if err := o.Start("8", "42"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	next := d.next(t)
	ch.emit(protocol.SessionCreated{SessionID: "stale"})
	next.emit(protocol.SessionCreated{SessionID: "fresh"})
	s = waitFor(t, o, "running", hasStatus(models.StatusRunning))
	if s.SessionID != "fresh" {
		t.Errorf("Expected fresh session id, got %q", s.SessionID)
	}
}

func TestResetRejectedWhileActive(t *testing.T) {
	o, _, _ := startRunning(t)
	defer o.Close()

	if err := o.Reset(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestCloseIsAlwaysSafe(t *testing.T) {
	idle := newTestOrchestrator(newFakeDialer(nil))
	if err := idle.Close(); err != nil {
		t.Errorf("Close from idle returned %v", err)
	}
	if err := idle.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if err := idle.Start("7", "42"); !errors.Is(err, ErrOrchestratorClosed) {
		t.Errorf("Expected ErrOrchestratorClosed after Close, got %v", err)
	}

	o, _, ch := startRunning(t)
	o.Close()
	o.Close()
	if ch.closeCount() == 0 {
		t.Error("Expected Close to hang up the channel")
	}
	ch.handler.HandleClose(nil) // late close from the transport is harmless
}

func TestWaitReturnsTerminalSession(t *testing.T) {
	o, _, ch := startRunning(t)
	defer o.Close()

	go ch.emit(protocol.Status{Step: "Submit", Progress: 100}, protocol.Result{Success: true, Message: "Registered"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := o.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if s.Status != models.StatusSuccess {
		t.Errorf("Expected success, got %s", s.Status)
	}
}

// lateDialer only completes once its dial is cancelled, so the channel
// arrives while Close is tearing the orchestrator down
type lateDialer struct {
	dialed chan *fakeChannel
}

func (d *lateDialer) Dial(ctx context.Context, p transport.Params, h transport.Handler) (transport.Channel, error) {
	<-ctx.Done()
	ch := &fakeChannel{handler: h}
	d.dialed <- ch
	return ch, nil
}

func TestCloseHangsUpDialCompletingDuringShutdown(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := &lateDialer{dialed: make(chan *fakeChannel, 1)}
		o := newTestOrchestrator(d)
		if err := o.Start("7", "42"); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		o.Close()

		var ch *fakeChannel
		select {
		case ch = <-d.dialed:
		case <-time.After(2 * time.Second):
			t.Fatal("dial was never cancelled")
		}

		deadline := time.Now().Add(2 * time.Second)
		for ch.closeCount() == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("iteration %d: channel opened during Close was never closed", i)
			}
			time.Sleep(time.Millisecond)
		}

		returned := make(chan struct{})
		go func() {
			ch.handler.HandleClose(nil)
			close(returned)
		}()
		select {
		case <-returned:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: HandleClose blocked after Close", i)
		}
	}
}
