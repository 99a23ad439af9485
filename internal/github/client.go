package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"Armada/internal/config"
	"Armada/internal/metrics"
	"Armada/internal/models"
)

// tokenPattern matches bearer-token-shaped substrings so they can be
// scrubbed from any error text before it leaves this package.
var tokenPattern = regexp.MustCompile(`(ghp_|ghs_|gho_|github_pat_)[A-Za-z0-9_]+|[Bb]earer\s+\S+`)

// RegistrationToken is a single-use, time-boxed secret that binds a worker
// process to the provider. It is consumed by exactly one register call and
// must never be persisted or logged.
type RegistrationToken struct {
	Value     string
	ExpiresAt time.Time
}

// String keeps the secret out of log output and %v formatting.
func (t RegistrationToken) String() string { return "[registration-token]" }

// Expired reports whether the token can no longer be used.
func (t RegistrationToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

type Client struct {
	baseURL string
	token   string
	cfg     config.CIConfig
	client  *http.Client
	met     *metrics.Metrics
	logger  *slog.Logger
}

func NewClient(cfg config.CIConfig, met *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		met:     met,
		logger:  logger.With("component", "ci-client"),
	}
}

// QueueMetrics counts jobs matching the fleet's labels. A job matches only
// if it requires every one of the fleet's labels; partial overlap does not
// count. Every bucket is a job count: pending covers jobs waiting in
// not-yet-started runs, queued covers jobs still waiting inside runs that
// are already in progress. Read-only, bounded by the configured request
// timeout per call.
func (c *Client) QueueMetrics(ctx context.Context, fleet config.FleetConfig) (models.QueueMetrics, error) {
	var m models.QueueMetrics

	queuedRuns, err := c.listRuns(ctx, fleet, "queued")
	if err != nil {
		return m, &ObservationError{Scope: fleet.Scope(), Err: err}
	}
	inProgressRuns, err := c.listRuns(ctx, fleet, "in_progress")
	if err != nil {
		return m, &ObservationError{Scope: fleet.Scope(), Err: err}
	}

	for _, run := range queuedRuns {
		jobs, err := c.listJobs(ctx, run)
		if err != nil {
			return models.QueueMetrics{}, &ObservationError{Scope: fleet.Scope(), Err: err}
		}
		for _, j := range jobs {
			if j.Status != "completed" && matchesLabels(j.Labels, fleet.Labels) {
				m.Pending++
			}
		}
	}
	for _, run := range inProgressRuns {
		jobs, err := c.listJobs(ctx, run)
		if err != nil {
			return models.QueueMetrics{}, &ObservationError{Scope: fleet.Scope(), Err: err}
		}
		for _, j := range jobs {
			if !matchesLabels(j.Labels, fleet.Labels) {
				continue
			}
			switch j.Status {
			case "in_progress":
				m.InProgress++
			case "queued", "waiting":
				m.Queued++
			}
		}
	}

	m.Total = m.Pending + m.InProgress + m.Queued
	m.ObservedAt = time.Now()
	return m, nil
}

// CreateRegistrationToken fetches a short-lived single-use token scoped to
// the fleet. The caller must consume it immediately.
func (c *Client) CreateRegistrationToken(ctx context.Context, fleet config.FleetConfig) (RegistrationToken, error) {
	path := fmt.Sprintf("/%s/actions/runners/registration-token", fleet.Scope())

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, path, "registration_token", &result); err != nil {
		return RegistrationToken{}, &TokenError{Scope: fleet.Scope(), Err: err}
	}

	return RegistrationToken{Value: result.Token, ExpiresAt: result.ExpiresAt}, nil
}

// GetRunner fetches the provider's view of a single registered worker.
func (c *Client) GetRunner(ctx context.Context, fleet config.FleetConfig, id int64) (models.WorkerInfo, error) {
	path := fmt.Sprintf("/%s/actions/runners/%d", fleet.Scope(), id)

	var raw runnerResponse
	if err := c.do(ctx, http.MethodGet, path, "get_runner", &raw); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return models.WorkerInfo{}, &NotFoundError{RunnerID: id}
		}
		return models.WorkerInfo{}, fmt.Errorf("get runner %d: %w", id, err)
	}

	return raw.toWorkerInfo(), nil
}

// FindRunnerByName looks a registered worker up by its display name. Used
// once after registration to learn the provider-assigned worker id.
func (c *Client) FindRunnerByName(ctx context.Context, fleet config.FleetConfig, name string) (models.WorkerInfo, error) {
	path := fmt.Sprintf("/%s/actions/runners?per_page=100", fleet.Scope())

	var result struct {
		Runners []runnerResponse `json:"runners"`
	}
	if err := c.do(ctx, http.MethodGet, path, "list_runners", &result); err != nil {
		return models.WorkerInfo{}, fmt.Errorf("list runners: %w", err)
	}

	for _, r := range result.Runners {
		if r.Name == name {
			return r.toWorkerInfo(), nil
		}
	}
	return models.WorkerInfo{}, &NotFoundError{Name: name}
}

// DeleteRunner deregisters a worker. Idempotent: deleting an id the provider
// no longer knows succeeds silently.
func (c *Client) DeleteRunner(ctx context.Context, fleet config.FleetConfig, id int64) error {
	path := fmt.Sprintf("/%s/actions/runners/%d", fleet.Scope(), id)

	if err := c.do(ctx, http.MethodDelete, path, "delete_runner", nil); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return &DeregistrationError{RunnerID: id, Err: err}
	}
	return nil
}

type workflowRun struct {
	ID         int64  `json:"id"`
	Repository string `json:"-"`
}

type workflowJob struct {
	ID     int64    `json:"id"`
	Status string   `json:"status"`
	Labels []string `json:"labels"`
}

type runnerResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	OS     string `json:"os"`
	Status string `json:"status"` // online, offline
	Busy   bool   `json:"busy"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (r runnerResponse) toWorkerInfo() models.WorkerInfo {
	labels := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		labels = append(labels, l.Name)
	}
	return models.WorkerInfo{
		ID:     r.ID,
		Name:   r.Name,
		Online: r.Status == "online",
		Busy:   r.Busy,
		Labels: labels,
	}
}

func (c *Client) listRuns(ctx context.Context, fleet config.FleetConfig, status string) ([]workflowRun, error) {
	path := fmt.Sprintf("/%s/actions/runs?status=%s&per_page=100", fleet.Scope(), status)

	var result struct {
		WorkflowRuns []struct {
			ID         int64 `json:"id"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		} `json:"workflow_runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, "list_runs", &result); err != nil {
		return nil, err
	}

	runs := make([]workflowRun, 0, len(result.WorkflowRuns))
	for _, r := range result.WorkflowRuns {
		repo := r.Repository.FullName
		if repo == "" {
			repo = fleet.Repository
		}
		runs = append(runs, workflowRun{ID: r.ID, Repository: repo})
	}
	return runs, nil
}

func (c *Client) listJobs(ctx context.Context, run workflowRun) ([]workflowJob, error) {
	path := fmt.Sprintf("/repos/%s/actions/runs/%d/jobs?per_page=100", run.Repository, run.ID)

	var result struct {
		Jobs []workflowJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, "list_jobs", &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// matchesLabels reports whether the job's required labels include every
// capability label the fleet advertises.
func matchesLabels(jobLabels, fleetLabels []string) bool {
	have := make(map[string]bool, len(jobLabels))
	for _, l := range jobLabels {
		have[l] = true
	}
	for _, l := range fleetLabels {
		if !have[l] {
			return false
		}
	}
	return true
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// do issues one API request with auth headers, decoding the response into
// out when non-nil. Rate-limit responses are retried with capped exponential
// backoff; error text is scrubbed of token-shaped substrings.
func (c *Client) do(ctx context.Context, method, path, op string, out interface{}) error {
	backoff := c.cfg.RetryBackoffBase
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if c.cfg.RetryBackoffMax > 0 && backoff > c.cfg.RetryBackoffMax {
				backoff = c.cfg.RetryBackoffMax
			}
		}

		retry, err := c.doOnce(ctx, method, path, op, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		c.logger.Warn("retrying request", "method", method, "path", path, "attempt", attempt+1)
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path, op string, out interface{}) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return false, sanitize(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(op, "error", start)
		return false, sanitize(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.observe(op, "ok", start)
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode response: %w", sanitize(err))
		}
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.observe(op, "rate_limited", start)
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, &statusError{code: resp.StatusCode, body: "rate limited"}
	default:
		c.observe(op, "error", start)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &statusError{code: resp.StatusCode, body: tokenPattern.ReplaceAllString(string(body), "[redacted]")}
	}
}

func (c *Client) observe(op, status string, start time.Time) {
	if c.met == nil {
		return
	}
	c.met.CIAPIRequests.WithLabelValues(op, status).Inc()
	c.met.CIAPIDuration.Observe(time.Since(start).Seconds())
}

// sanitize strips bearer-token-shaped substrings from an error's text.
func sanitize(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	clean := tokenPattern.ReplaceAllString(msg, "[redacted]")
	if clean == msg {
		return err
	}
	return errors.New(clean)
}
