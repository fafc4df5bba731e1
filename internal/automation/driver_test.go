package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shehryarbajwa/examflow/internal/catalog"
	"github.com/shehryarbajwa/examflow/internal/logging"
	"github.com/shehryarbajwa/examflow/internal/worker"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

type fakePage struct {
	mu      sync.Mutex
	actions []string
	failOn  string
	block   string
}

func (p *fakePage) record(action string) error {
	p.mu.Lock()
	p.actions = append(p.actions, action)
	p.mu.Unlock()
	if p.failOn != "" && strings.HasPrefix(action, p.failOn) {
		return errors.New("element not found")
	}
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	return p.record("navigate " + url)
}

func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	return p.record(fmt.Sprintf("fill %s=%s", selector, value))
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	return p.record("click " + selector)
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	if selector == p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.record("wait " + selector)
}

func (p *fakePage) Capture(ctx context.Context) (string, error) {
	return "cGFnZQ==", nil
}

func (p *fakePage) CaptureElement(ctx context.Context, selector string) (string, error) {
	return "Y2FwdGNoYQ==", p.record("capture " + selector)
}

type fakeReporter struct {
	mu          sync.Mutex
	statuses    []int
	steps       []string
	screenshots int
	requests    []string
	answers     map[string]string
	captchaImg  string
}

func (r *fakeReporter) Log(level models.LogLevel, message string) {}

func (r *fakeReporter) Screenshot(imageData, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screenshots++
}

func (r *fakeReporter) Status(step string, progress int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	r.statuses = append(r.statuses, progress)
}

func (r *fakeReporter) answer(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, key)
	v, ok := r.answers[key]
	if !ok {
		return "", context.Canceled
	}
	return v, nil
}

func (r *fakeReporter) RequestOTP(ctx context.Context) (string, error) {
	return r.answer("otp")
}

func (r *fakeReporter) RequestCaptcha(ctx context.Context, imageData string) (string, error) {
	r.captchaImg = imageData
	return r.answer("captcha")
}

func (r *fakeReporter) RequestCustomInput(ctx context.Context, f worker.CustomField) (string, error) {
	return r.answer("custom:" + f.ID + ":" + f.Label)
}

func testJob(steps ...catalog.Step) worker.Job {
	return worker.Job{
		RunID:  "run-1",
		UserID: "42",
		Exam:   catalog.Exam{ID: "7", Name: "JEE Main", URL: "https://example.test/jee", Active: true, Steps: steps},
	}
}

func newTestDriver() *Driver {
	return NewDriver(nil, WithStepTimeout(time.Second), WithLogger(logging.Discard()))
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	pg := &fakePage{}
	r := &fakeReporter{answers: map[string]string{
		"otp":                      "123456",
		"captcha":                  "x7k2",
		"custom:email:Email":       "a@example.test",
		"custom:dob:Date of birth": "2005-04-01",
	}}
	job := testJob(
		catalog.Step{Name: "Email", Action: catalog.ActionFill, Selector: "#email", Value: "{{email}}"},
		catalog.Step{Name: "Confirm email", Action: catalog.ActionFill, Selector: "#email2", Value: "{{ email }}"},
		catalog.Step{Name: "OTP", Action: catalog.ActionOTP, Selector: "#otp"},
		catalog.Step{Name: "Captcha", Action: catalog.ActionCaptcha, Selector: "#cap", Image: "#capimg"},
		catalog.Step{Name: "DOB", Action: catalog.ActionCustom, Selector: "#dob", Field: "dob", Label: "Date of birth"},
		catalog.Step{Name: "Submit", Action: catalog.ActionClick, Selector: "#submit"},
	)

	res := newTestDriver().execute(context.Background(), pg, job, r)
	if !res.Success {
		t.Fatalf("Expected success, got %+v", res)
	}

	want := []string{
		"navigate https://example.test/jee",
		"fill #email=a@example.test",
		"fill #email2=a@example.test",
		"wait #otp",
		"fill #otp=123456",
		"capture #capimg",
		"fill #cap=x7k2",
		"fill #dob=2005-04-01",
		"click #submit",
	}
	if strings.Join(pg.actions, "\n") != strings.Join(want, "\n") {
		t.Errorf("Unexpected actions:\n%s", strings.Join(pg.actions, "\n"))
	}

	// The email placeholder is asked for once and reused.
	if len(r.requests) != 4 {
		t.Errorf("Expected 4 input requests, got %v", r.requests)
	}
	if r.captchaImg != "Y2FwdGNoYQ==" {
		t.Errorf("Expected captcha element image, got %q", r.captchaImg)
	}
	if r.screenshots != 7 {
		t.Errorf("Expected a screenshot per step plus the portal, got %d", r.screenshots)
	}

	last := r.statuses[len(r.statuses)-1]
	if last != 100 || r.steps[len(r.steps)-1] != "Complete" {
		t.Errorf("Expected final status Complete/100, got %s/%d", r.steps[len(r.steps)-1], last)
	}
	for i := 1; i < len(r.statuses); i++ {
		if r.statuses[i] < r.statuses[i-1] {
			t.Errorf("Progress went backwards: %v", r.statuses)
		}
	}
}

func TestExecuteStopsOnFailingStep(t *testing.T) {
	pg := &fakePage{failOn: "click"}
	r := &fakeReporter{}
	job := testJob(
		catalog.Step{Name: "Submit", Action: catalog.ActionClick, Selector: "#submit"},
		catalog.Step{Name: "Never", Action: catalog.ActionClick, Selector: "#never"},
	)

	res := newTestDriver().execute(context.Background(), pg, job, r)
	if res.Success || !strings.Contains(res.Message, "Submit failed") {
		t.Errorf("Expected Submit failure, got %+v", res)
	}
	for _, a := range pg.actions {
		if a == "click #never" {
			t.Error("Expected later steps to be skipped")
		}
	}
}

func TestExecuteReportsStepTimeout(t *testing.T) {
	pg := &fakePage{block: "#slow"}
	job := testJob(catalog.Step{Name: "Results", Action: catalog.ActionWait, Selector: "#slow", Timeout: "50ms"})

	res := newTestDriver().execute(context.Background(), pg, job, &fakeReporter{})
	if res.Success || res.Message != "Results timed out" {
		t.Errorf("Expected timeout result, got %+v", res)
	}
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pg := &fakePage{}
	r := &fakeReporter{}
	job := testJob(catalog.Step{Name: "OTP", Action: catalog.ActionOTP, Selector: "#otp"})

	cancel()
	res := newTestDriver().execute(ctx, pg, job, r)
	if res.Success || res.Message != "Automation cancelled" {
		t.Errorf("Expected cancelled result, got %+v", res)
	}
}

func TestWaitWithoutSelectorSleeps(t *testing.T) {
	d := newTestDriver()
	start := time.Now()
	if err := d.wait(context.Background(), &fakePage{}, catalog.Step{Action: catalog.ActionWait, Timeout: "30ms"}); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Expected wait to sleep for the timeout")
	}

	if err := d.wait(context.Background(), &fakePage{}, catalog.Step{Timeout: "soon"}); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestHumanizeAndProgress(t *testing.T) {
	if got := humanize("date_of_birth"); got != "Date of birth" {
		t.Errorf("humanize = %q", got)
	}
	if got := progress(1, 4); got != 25 {
		t.Errorf("progress = %d", got)
	}
	if got := progress(1, 0); got != 0 {
		t.Errorf("progress with no steps = %d", got)
	}
}
