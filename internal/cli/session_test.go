package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shehryarbajwa/examflow/internal/workflow"
	"github.com/shehryarbajwa/examflow/pkg/auth"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

type submission struct {
	kind    models.InputKind
	fieldID string
	value   string
}

// fakeClient plays back session snapshots and records submissions
type fakeClient struct {
	updates chan models.Session

	mu          sync.Mutex
	submissions []submission
	rejectEmpty bool
	onSubmit    func(submission)
}

func newFakeClient() *fakeClient {
	return &fakeClient{updates: make(chan models.Session, 16)}
}

func (c *fakeClient) Subscribe() (<-chan models.Session, func()) {
	return c.updates, func() {}
}

func (c *fakeClient) record(s submission) error {
	if c.rejectEmpty && strings.TrimSpace(s.value) == "" {
		return workflow.ErrEmptyValue
	}
	c.mu.Lock()
	c.submissions = append(c.submissions, s)
	cb := c.onSubmit
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	return nil
}

func (c *fakeClient) SubmitOTP(v string) error {
	return c.record(submission{kind: models.InputOTP, value: v})
}

func (c *fakeClient) SubmitCaptcha(v string) error {
	return c.record(submission{kind: models.InputCaptcha, value: v})
}

func (c *fakeClient) SubmitCustomInput(field, v string) error {
	return c.record(submission{kind: models.InputCustom, fieldID: field, value: v})
}

func (c *fakeClient) recorded() []submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]submission(nil), c.submissions...)
}

func logged(s models.Session, msg string, level models.LogLevel) models.Session {
	return s.Append(msg, level, time.Now())
}

func runTerminal(t *testing.T, c *fakeClient, in io.Reader) (models.Session, string, error) {
	t.Helper()
	var out bytes.Buffer
	term := newTerminal(c, &out)
	term.captchaDir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := term.run(ctx, in)
	return s, out.String(), err
}

func TestTerminalAnswersPipedInput(t *testing.T) {
	c := newFakeClient()

	s := models.Session{ExamID: "7", UserID: "42", Status: models.StatusRunning, SessionID: "sess-1"}
	s = logged(s, "Connected to automation server", models.LevelSuccess)
	c.updates <- s

	otp := s
	otp.Status = models.StatusWaiting
	otp.PendingInput = &models.PendingInput{Kind: models.InputOTP, RequestedAt: time.Unix(1, 0)}
	otp = logged(otp, "OTP required", models.LevelWarning)
	c.updates <- otp

	c.onSubmit = func(sub submission) {
		switch sub.kind {
		case models.InputOTP:
			custom := otp
			custom.PendingInput = &models.PendingInput{
				Kind: models.InputCustom, FieldID: "dob", Label: "Date of birth",
				InputType: "date", RequestedAt: time.Unix(2, 0),
			}
			c.updates <- custom
		case models.InputCustom:
			done := otp
			done.PendingInput = nil
			done.Status = models.StatusSuccess
			done = logged(done, "Registration submitted", models.LevelSuccess)
			c.updates <- done
		}
	}

	final, out, err := runTerminal(t, c, strings.NewReader("123456\n2001-02-03\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != models.StatusSuccess {
		t.Fatalf("final status = %s", final.Status)
	}

	got := c.recorded()
	want := []submission{
		{kind: models.InputOTP, value: "123456"},
		{kind: models.InputCustom, fieldID: "dob", value: "2001-02-03"},
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("submissions = %+v, want %+v", got, want)
	}

	for _, line := range []string{"Connected to automation server", "OTP required", "Enter the OTP", "Date of birth (date)", "Registration submitted"} {
		if !strings.Contains(out, line) {
			t.Errorf("output missing %q:\n%s", line, out)
		}
	}
	if strings.Count(out, "Connected to automation server") != 1 {
		t.Errorf("log lines repeated:\n%s", out)
	}
}

func TestTerminalRepromptsOnRejectedValue(t *testing.T) {
	c := newFakeClient()
	c.rejectEmpty = true

	s := models.Session{Status: models.StatusWaiting, PendingInput: &models.PendingInput{Kind: models.InputOTP, RequestedAt: time.Unix(1, 0)}}
	c.updates <- s
	c.onSubmit = func(submission) {
		done := s
		done.PendingInput = nil
		done.Status = models.StatusFailed
		c.updates <- done
	}

	final, out, err := runTerminal(t, c, strings.NewReader("   \n999\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != models.StatusFailed {
		t.Errorf("final status = %s", final.Status)
	}
	if got := c.recorded(); len(got) != 1 || got[0].value != "999" {
		t.Errorf("submissions = %+v", got)
	}
	if strings.Count(out, "Enter the OTP") != 2 {
		t.Errorf("expected a second prompt after the rejected value:\n%s", out)
	}
}

func TestTerminalSavesCaptcha(t *testing.T) {
	c := newFakeClient()
	img := []byte("\x89PNG captcha")
	c.updates <- models.Session{
		Status: models.StatusWaiting,
		PendingInput: &models.PendingInput{
			Kind:        models.InputCaptcha,
			ImageData:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
			RequestedAt: time.Unix(1, 0),
		},
	}
	c.onSubmit = func(submission) {
		c.updates <- models.Session{Status: models.StatusSuccess}
	}

	_, out, err := runTerminal(t, c, strings.NewReader("x7k2\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	i := strings.Index(out, "saved to ")
	if i < 0 {
		t.Fatalf("no captcha path in output:\n%s", out)
	}
	path := strings.Fields(out[i+len("saved to "):])[0]
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read captcha: %v", err)
	}
	if !bytes.Equal(data, img) {
		t.Errorf("captcha bytes = %q", data)
	}
	if got := c.recorded(); len(got) != 1 || got[0].kind != models.InputCaptcha {
		t.Errorf("submissions = %+v", got)
	}
}

func TestTerminalStopsWhenOrchestratorCloses(t *testing.T) {
	c := newFakeClient()
	c.updates <- models.Session{Status: models.StatusRunning}
	close(c.updates)

	if _, _, err := runTerminal(t, c, strings.NewReader("")); !errors.Is(err, workflow.ErrOrchestratorClosed) {
		t.Errorf("expected ErrOrchestratorClosed, got %v", err)
	}
}

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user", "42", "--jwt-secret", "s3cret"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	signer, _ := auth.NewSigner("s3cret", time.Hour)
	claims, err := signer.Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.UserID != "42" || claims.Role != auth.RoleUser {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestRenderPrompt(t *testing.T) {
	p := &models.PendingInput{Kind: models.InputCustom, FieldID: "category", Suggestions: []string{"GEN", "OBC"}}
	got := renderPrompt(p, "")
	if !strings.Contains(got, "Suggestions: GEN, OBC") || !strings.Contains(got, "category") {
		t.Errorf("renderPrompt = %q", got)
	}
}
