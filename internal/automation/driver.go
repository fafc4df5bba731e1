package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/shehryarbajwa/examflow/internal/browser"
	"github.com/shehryarbajwa/examflow/internal/catalog"
	"github.com/shehryarbajwa/examflow/internal/worker"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Option configures a Driver
type Option func(*Driver)

// WithStepTimeout bounds each browser action (default 30s). Time spent
// waiting for the user is not counted.
func WithStepTimeout(d time.Duration) Option {
	return func(dr *Driver) { dr.stepTimeout = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(dr *Driver) { dr.logger = l }
}

// Driver runs catalog steps in a real browser
type Driver struct {
	launcher    browser.Launcher
	stepTimeout time.Duration
	logger      *slog.Logger
}

// NewDriver creates a driver that gets its browsers from launcher
func NewDriver(launcher browser.Launcher, opts ...Option) *Driver {
	d := &Driver{
		launcher:    launcher,
		stepTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run implements worker.Automation
func (d *Driver) Run(ctx context.Context, job worker.Job, r worker.Reporter) worker.Result {
	r.Log(models.LevelInfo, "Launching browser...")

	inst, err := d.launcher.Launch(ctx, job.RunID)
	if err != nil {
		d.logger.Error("failed to launch browser", "run_id", job.RunID, "error", err)
		return worker.Result{Message: "Failed to launch browser"}
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.launcher.Stop(stopCtx, inst); err != nil {
			d.logger.Warn("failed to stop browser", "run_id", job.RunID, "error", err)
		}
	}()

	allocCtx, cancelAlloc := inst.Allocator(ctx)
	defer cancelAlloc()
	tab, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	// Start the browser before the first timed step.
	if err := chromedp.Run(tab); err != nil {
		d.logger.Error("failed to open tab", "run_id", job.RunID, "error", err)
		return worker.Result{Message: "Failed to open browser tab"}
	}

	return d.execute(ctx, &chromedpPage{tab: tab}, job, r)
}

// execute walks the exam's steps on pg
func (d *Driver) execute(ctx context.Context, pg Page, job worker.Job, r worker.Reporter) worker.Result {
	exam := job.Exam
	total := len(exam.Steps) + 1
	values := map[string]string{}

	r.Status("Opening portal", 0, "Opening "+exam.Name+" portal")
	if err := d.timed(ctx, func(ctx context.Context) error { return pg.Navigate(ctx, exam.URL) }); err != nil {
		return d.fail(ctx, job, "Opening portal", err)
	}
	d.screenshot(ctx, pg, r, "Opening portal")

	for i, step := range exam.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("Step %d", i+1)
		}
		r.Status(name, progress(i+1, total), "")

		if err := d.runStep(ctx, pg, step, values, r); err != nil {
			return d.fail(ctx, job, name, err)
		}
		d.screenshot(ctx, pg, r, name)
	}

	r.Status("Complete", 100, "")
	return worker.Result{Success: true, Message: "Registration submitted for " + exam.Name}
}

func (d *Driver) runStep(ctx context.Context, pg Page, step catalog.Step, values map[string]string, r worker.Reporter) error {
	switch step.Action {
	case catalog.ActionFill:
		value, err := d.resolve(ctx, step, values, r)
		if err != nil {
			return err
		}
		return d.timed(ctx, func(ctx context.Context) error { return pg.Fill(ctx, step.Selector, value) })

	case catalog.ActionClick:
		return d.timed(ctx, func(ctx context.Context) error { return pg.Click(ctx, step.Selector) })

	case catalog.ActionOTP:
		if err := d.timed(ctx, func(ctx context.Context) error { return pg.WaitVisible(ctx, step.Selector) }); err != nil {
			return err
		}
		otp, err := r.RequestOTP(ctx)
		if err != nil {
			return err
		}
		return d.timed(ctx, func(ctx context.Context) error { return pg.Fill(ctx, step.Selector, otp) })

	case catalog.ActionCaptcha:
		var image string
		err := d.timed(ctx, func(ctx context.Context) error {
			var err error
			image, err = pg.CaptureElement(ctx, step.Image)
			return err
		})
		if err != nil {
			return err
		}
		answer, err := r.RequestCaptcha(ctx, image)
		if err != nil {
			return err
		}
		return d.timed(ctx, func(ctx context.Context) error { return pg.Fill(ctx, step.Selector, answer) })

	case catalog.ActionCustom:
		value, err := d.ask(ctx, step.Field, step, values, r)
		if err != nil {
			return err
		}
		return d.timed(ctx, func(ctx context.Context) error { return pg.Fill(ctx, step.Selector, value) })

	case catalog.ActionWait:
		return d.wait(ctx, pg, step)
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

// resolve expands {{field}} placeholders, asking the user for unknown fields
func (d *Driver) resolve(ctx context.Context, step catalog.Step, values map[string]string, r worker.Reporter) (string, error) {
	var askErr error
	out := placeholder.ReplaceAllStringFunc(step.Value, func(m string) string {
		if askErr != nil {
			return m
		}
		field := placeholder.FindStringSubmatch(m)[1]
		v, err := d.ask(ctx, field, catalog.Step{Label: humanize(field), InputType: step.InputType}, values, r)
		if err != nil {
			askErr = err
			return m
		}
		return v
	})
	return out, askErr
}

// ask returns a remembered value for field or requests it from the user
func (d *Driver) ask(ctx context.Context, field string, step catalog.Step, values map[string]string, r worker.Reporter) (string, error) {
	if v, ok := values[field]; ok {
		return v, nil
	}
	label := step.Label
	if label == "" {
		label = humanize(field)
	}
	v, err := r.RequestCustomInput(ctx, worker.CustomField{
		ID:          field,
		Label:       label,
		InputType:   step.InputType,
		Suggestions: step.Suggestions,
	})
	if err != nil {
		return "", err
	}
	values[field] = v
	return v, nil
}

func (d *Driver) wait(ctx context.Context, pg Page, step catalog.Step) error {
	timeout := d.stepTimeout
	if step.Timeout != "" {
		parsed, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return fmt.Errorf("invalid wait timeout %q: %w", step.Timeout, err)
		}
		timeout = parsed
	}

	if step.Selector == "" {
		select {
		case <-time.After(timeout):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pg.WaitVisible(waitCtx, step.Selector)
}

func (d *Driver) timed(ctx context.Context, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()
	return fn(stepCtx)
}

func (d *Driver) screenshot(ctx context.Context, pg Page, r worker.Reporter, step string) {
	var img string
	err := d.timed(ctx, func(ctx context.Context) error {
		var err error
		img, err = pg.Capture(ctx)
		return err
	})
	if err != nil {
		d.logger.Debug("screenshot failed", "step", step, "error", err)
		return
	}
	r.Screenshot(img, step)
}

func (d *Driver) fail(ctx context.Context, job worker.Job, step string, err error) worker.Result {
	if ctx.Err() != nil {
		return worker.Result{Message: "Automation cancelled"}
	}
	d.logger.Warn("automation step failed", "run_id", job.RunID, "exam_id", job.Exam.ID, "step", step, "error", err)
	if errors.Is(err, context.DeadlineExceeded) {
		return worker.Result{Message: fmt.Sprintf("%s timed out", step)}
	}
	return worker.Result{Message: fmt.Sprintf("%s failed: %v", step, err)}
}

func progress(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

// humanize turns a field id like date_of_birth into "Date of birth"
func humanize(field string) string {
	s := strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(field)
	if s == "" {
		return field
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
