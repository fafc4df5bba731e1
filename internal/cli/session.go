package cli

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shehryarbajwa/examflow/internal/workflow"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

// sessionClient is the orchestrator surface the terminal loop drives
type sessionClient interface {
	Subscribe() (<-chan models.Session, func())
	SubmitOTP(value string) error
	SubmitCaptcha(value string) error
	SubmitCustomInput(fieldID, value string) error
}

// terminal mirrors one session to out and answers input requests with
// lines read from in. Lines typed before a request arrives are kept and
// used for the next requests in order, so answers can be piped in.
type terminal struct {
	client     sessionClient
	out        io.Writer
	captchaDir string

	printed    int
	step       string
	promptedAt time.Time
	answered   bool
	pending    *models.PendingInput
	queued     []string
}

func newTerminal(client sessionClient, out io.Writer) *terminal {
	return &terminal{client: client, out: out, captchaDir: os.TempDir()}
}

// run blocks until the session is terminal, ctx is done, or the
// orchestrator is closed
func (t *terminal) run(ctx context.Context, in io.Reader) (models.Session, error) {
	updates, unsubscribe := t.client.Subscribe()
	defer unsubscribe()

	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(in, stop)

	var last models.Session
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()

		case s, ok := <-updates:
			if !ok {
				return last, workflow.ErrOrchestratorClosed
			}
			last = s
			t.show(s)
			if s.Status.IsTerminal() {
				return s, nil
			}
			t.answerQueued()

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			t.queued = append(t.queued, line)
			t.answerQueued()
		}
	}
}

// show prints what changed since the previous snapshot
func (t *terminal) show(s models.Session) {
	if len(s.Log) < t.printed {
		t.printed = 0
	}
	for _, e := range s.Log[t.printed:] {
		fmt.Fprintln(t.out, renderEntry(e))
	}
	t.printed = len(s.Log)

	if s.CurrentStep != "" && s.CurrentStep != t.step {
		t.step = s.CurrentStep
		fmt.Fprintln(t.out, renderProgress(s))
	}

	t.pending = s.PendingInput
	if s.PendingInput != nil && !s.PendingInput.RequestedAt.Equal(t.promptedAt) {
		t.promptedAt = s.PendingInput.RequestedAt
		t.answered = false
		t.prompt()
	}
}

func (t *terminal) prompt() {
	path := ""
	if t.pending.Kind == models.InputCaptcha {
		path = t.saveCaptcha(t.pending.ImageData)
	}
	fmt.Fprint(t.out, renderPrompt(t.pending, path))
}

// answerQueued submits the oldest typed line if a request is open
func (t *terminal) answerQueued() {
	if t.pending == nil || t.answered || len(t.queued) == 0 {
		return
	}
	value := t.queued[0]
	t.queued = t.queued[1:]

	var err error
	switch t.pending.Kind {
	case models.InputOTP:
		err = t.client.SubmitOTP(value)
	case models.InputCaptcha:
		err = t.client.SubmitCaptcha(value)
	case models.InputCustom:
		err = t.client.SubmitCustomInput(t.pending.FieldID, value)
	}
	if err != nil {
		fmt.Fprintln(t.out, styleError.Render(err.Error()))
		fmt.Fprint(t.out, renderPrompt(t.pending, ""))
		return
	}
	t.answered = true
}

// saveCaptcha writes the captcha image to a temp file and returns its path
func (t *terminal) saveCaptcha(data string) string {
	if i := strings.Index(data, ";base64,"); i >= 0 {
		data = data[i+len(";base64,"):]
	}
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(img) == 0 {
		return ""
	}
	f, err := os.CreateTemp(t.captchaDir, "examflow-captcha-*.png")
	if err != nil {
		return ""
	}
	defer f.Close()
	if _, err := f.Write(img); err != nil {
		return ""
	}
	return f.Name()
}

func readLines(in io.Reader, stop <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimRight(scanner.Text(), "\r"):
			case <-stop:
				return
			}
		}
	}()
	return lines
}
