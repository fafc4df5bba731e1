// Package registry is a client for the Application Registry, the durable
// record of which exams a user applied to and how each automation ended.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/shehryarbajwa/examflow/pkg/models"
)

var (
	// ErrConflict means the user already has an active application for the exam
	ErrConflict = errors.New("active application already exists")
	// ErrNotFound means the exam or application does not exist for this user
	ErrNotFound = errors.New("not found")
)

const (
	examsPath        = "/api/user/automation-exams"
	applicationsPath = "/api/user/automation-applications"
	examsCacheKey    = "exams"
)

// APIError is a non-2xx registry response other than 404 and 409
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("registry: status %d", e.Status)
	}
	return fmt.Sprintf("registry: status %d: %s", e.Status, e.Message)
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithExamTTL sets how long the exam list is cached
func WithExamTTL(ttl time.Duration) Option {
	return func(c *Client) { c.examTTL = ttl }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to the registry REST API on behalf of one user
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	examTTL time.Duration
	cache   *cache.Cache
	logger  *slog.Logger
}

// NewClient creates a client. token is sent as a bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		examTTL: 5 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = cache.New(c.examTTL, 2*c.examTTL)
	return c
}

// envelope is the registry's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ident accepts both numeric and string ids
type ident string

func (i *ident) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = ident(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*i = ident(n.String())
	return nil
}

type examRecord struct {
	ID       ident  `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	URL      string `json:"url"`
	IsActive flag   `json:"is_active"`
}

// flag accepts JSON booleans and the 0/1 integers SQL backends return
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}

type applicationRecord struct {
	ID        ident     `json:"id"`
	ExamID    ident     `json:"exam_id"`
	ExamName  string    `json:"exam_name"`
	Status    string    `json:"status"`
	SessionID *string   `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (r applicationRecord) model() models.Application {
	a := models.Application{
		ID:        string(r.ID),
		ExamID:    string(r.ExamID),
		ExamName:  r.ExamName,
		Status:    models.ApplicationStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}
	if r.SessionID != nil {
		a.SessionID = *r.SessionID
	}
	return a
}

// ListExams returns the exams open for automation. Results are cached.
func (c *Client) ListExams(ctx context.Context) ([]models.Exam, error) {
	if cached, ok := c.cache.Get(examsCacheKey); ok {
		return cached.([]models.Exam), nil
	}

	var records []examRecord
	if err := c.do(ctx, http.MethodGet, examsPath, nil, &records); err != nil {
		return nil, err
	}

	exams := make([]models.Exam, 0, len(records))
	for _, r := range records {
		exams = append(exams, models.Exam{
			ID:       string(r.ID),
			Name:     r.Name,
			Slug:     r.Slug,
			URL:      r.URL,
			IsActive: bool(r.IsActive),
		})
	}
	c.cache.Set(examsCacheKey, exams, cache.DefaultExpiration)
	return exams, nil
}

// InvalidateExams drops the cached exam list
func (c *Client) InvalidateExams() {
	c.cache.Delete(examsCacheKey)
}

// CreateApplication applies the user to an exam
func (c *Client) CreateApplication(ctx context.Context, examID string) (models.Application, error) {
	body := map[string]any{"exam_id": examValue(examID)}

	var rec applicationRecord
	if err := c.do(ctx, http.MethodPost, applicationsPath, body, &rec); err != nil {
		return models.Application{}, err
	}
	return rec.model(), nil
}

// ListApplications lists the user's applications. An empty status or "all"
// applies no filter.
func (c *Client) ListApplications(ctx context.Context, status string) ([]models.Application, error) {
	path := applicationsPath
	if status != "" && status != "all" {
		path += "?" + url.Values{"status": {status}}.Encode()
	}

	var records []applicationRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	apps := make([]models.Application, 0, len(records))
	for _, r := range records {
		apps = append(apps, r.model())
	}
	return apps, nil
}

// GetApplication fetches one of the user's applications
func (c *Client) GetApplication(ctx context.Context, id string) (models.Application, error) {
	var rec applicationRecord
	if err := c.do(ctx, http.MethodGet, applicationsPath+"/"+url.PathEscape(id), nil, &rec); err != nil {
		return models.Application{}, err
	}
	return rec.model(), nil
}

// UpdateApplication changes an application's status and, when non-empty,
// its session id
func (c *Client) UpdateApplication(ctx context.Context, id string, status models.ApplicationStatus, sessionID string) (models.Application, error) {
	req := models.UpdateApplicationRequest{Status: status, SessionID: sessionID}

	var rec applicationRecord
	if err := c.do(ctx, http.MethodPut, applicationsPath+"/"+url.PathEscape(id), req, &rec); err != nil {
		return models.Application{}, err
	}
	return rec.model(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, env.Message)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, env.Message)
	case resp.StatusCode >= 300 || !env.Success:
		c.logger.Debug("registry request failed", "method", method, "path", path, "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

// examValue sends numeric exam ids as numbers
func examValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
