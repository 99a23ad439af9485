package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"Armada/internal/config"
	"Armada/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func testClient(srv *httptest.Server) *Client {
	cfg := config.CIConfig{
		Token:            "ghp_testsecret123456",
		BaseURL:          srv.URL,
		RequestTimeout:   5 * time.Second,
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
	}
	met := metrics.NewMetrics(prometheus.NewRegistry())
	return NewClient(cfg, met, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func repoFleet() config.FleetConfig {
	return config.FleetConfig{
		Name:       "ci-linux",
		Repository: "acme/widgets",
		Labels:     []string{"self-hosted", "linux"},
	}
}

func TestCreateRegistrationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/repos/acme/widgets/actions/runners/registration-token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghp_testsecret123456" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github+json" {
			t.Errorf("Accept = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"token":"AAAA-one-shot","expires_at":"2030-01-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	token, err := testClient(srv).CreateRegistrationToken(context.Background(), repoFleet())
	if err != nil {
		t.Fatalf("CreateRegistrationToken: %v", err)
	}
	if token.Value != "AAAA-one-shot" {
		t.Errorf("Value = %q", token.Value)
	}
	if token.Expired(time.Now()) {
		t.Error("token should not be expired")
	}
}

func TestRegistrationTokenNeverFormatsValue(t *testing.T) {
	token := RegistrationToken{Value: "AAAA-supersecret", ExpiresAt: time.Now().Add(time.Hour)}

	for _, rendered := range []string{
		token.String(),
		fmt.Sprintf("%v", token),
		fmt.Sprintf("%s", token),
	} {
		if strings.Contains(rendered, "AAAA-supersecret") {
			t.Errorf("rendered token %q leaks the secret", rendered)
		}
	}
}

func TestRegistrationTokenExpired(t *testing.T) {
	now := time.Now()

	expired := RegistrationToken{Value: "x", ExpiresAt: now.Add(-time.Minute)}
	if !expired.Expired(now) {
		t.Error("token past expiry should be expired")
	}

	fresh := RegistrationToken{Value: "x", ExpiresAt: now.Add(time.Minute)}
	if fresh.Expired(now) {
		t.Error("fresh token should not be expired")
	}

	noExpiry := RegistrationToken{Value: "x"}
	if noExpiry.Expired(now) {
		t.Error("token without expiry should not be expired")
	}
}

func TestCreateRegistrationTokenFailureIsTokenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv).CreateRegistrationToken(context.Background(), repoFleet())
	var te *TokenError
	if !errors.As(err, &te) {
		t.Fatalf("error %v should be a TokenError", err)
	}
	if te.Scope != "repos/acme/widgets" {
		t.Errorf("Scope = %q", te.Scope)
	}
}

func TestDeleteRunnerIdempotentOnNotFound(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv)
	// Deleting a runner the provider no longer knows succeeds, repeatedly.
	for i := 0; i < 2; i++ {
		if err := c.DeleteRunner(context.Background(), repoFleet(), 42); err != nil {
			t.Errorf("DeleteRunner call %d: %v", i+1, err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestDeleteRunnerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient(srv).DeleteRunner(context.Background(), repoFleet(), 42)
	var de *DeregistrationError
	if !errors.As(err, &de) {
		t.Fatalf("error %v should be a DeregistrationError", err)
	}
	if de.RunnerID != 42 {
		t.Errorf("RunnerID = %d, want 42", de.RunnerID)
	}
}

func TestRateLimitedRequestIsRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"token":"AAAA-retried","expires_at":"2030-01-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	token, err := testClient(srv).CreateRegistrationToken(context.Background(), repoFleet())
	if err != nil {
		t.Fatalf("CreateRegistrationToken: %v", err)
	}
	if token.Value != "AAAA-retried" {
		t.Errorf("Value = %q", token.Value)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRateLimitExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv).CreateRegistrationToken(context.Background(), repoFleet())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// MaxRetries 2 means one initial attempt plus two retries.
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestErrorBodiesAreSanitized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"bad credentials ghp_leakedtoken1234 via Bearer ghs_alsoleaked"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv).GetRunner(context.Background(), repoFleet(), 7)
	if err == nil {
		t.Fatal("expected error")
	}

	msg := err.Error()
	for _, leaked := range []string{"ghp_leakedtoken1234", "ghs_alsoleaked", "Bearer "} {
		if strings.Contains(msg, leaked) {
			t.Errorf("error %q contains token-shaped substring %q", msg, leaked)
		}
	}
	if !strings.Contains(msg, "[redacted]") {
		t.Errorf("error %q should carry redaction markers", msg)
	}
}

func TestGetRunnerNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv).GetRunner(context.Background(), repoFleet(), 99)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error %v should be a NotFoundError", err)
	}
	if nf.RunnerID != 99 {
		t.Errorf("RunnerID = %d, want 99", nf.RunnerID)
	}
}

func TestFindRunnerByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"runners":[
			{"id":11,"name":"ci-linux-aaa","status":"online","busy":false},
			{"id":12,"name":"ci-linux-bbb","status":"offline","busy":true}
		]}`)
	}))
	defer srv.Close()

	c := testClient(srv)

	info, err := c.FindRunnerByName(context.Background(), repoFleet(), "ci-linux-bbb")
	if err != nil {
		t.Fatalf("FindRunnerByName: %v", err)
	}
	if info.ID != 12 || info.Online || !info.Busy {
		t.Errorf("info = %+v", info)
	}

	_, err = c.FindRunnerByName(context.Background(), repoFleet(), "ci-linux-zzz")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("error %v should be a NotFoundError", err)
	}
}

func TestQueueMetricsCountsMatchingJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.RawQuery, "status=queued"):
			fmt.Fprint(w, `{"workflow_runs":[{"id":1,"repository":{"full_name":"acme/widgets"}}]}`)
		case strings.Contains(r.URL.RawQuery, "status=in_progress"):
			fmt.Fprint(w, `{"workflow_runs":[{"id":2,"repository":{"full_name":"acme/widgets"}}]}`)
		case strings.Contains(r.URL.Path, "/runs/1/jobs"):
			fmt.Fprint(w, `{"jobs":[
				{"id":101,"status":"queued","labels":["self-hosted","linux"]},
				{"id":102,"status":"queued","labels":["self-hosted","linux","gpu"]},
				{"id":103,"status":"queued","labels":["self-hosted","windows"]}
			]}`)
		case strings.Contains(r.URL.Path, "/runs/2/jobs"):
			fmt.Fprint(w, `{"jobs":[
				{"id":201,"status":"in_progress","labels":["self-hosted","linux"]},
				{"id":202,"status":"completed","labels":["self-hosted","linux"]},
				{"id":203,"status":"queued","labels":["self-hosted","linux"]},
				{"id":204,"status":"queued","labels":["self-hosted","windows"]}
			]}`)
		default:
			t.Errorf("unexpected request: %s", r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	m, err := testClient(srv).QueueMetrics(context.Background(), repoFleet())
	if err != nil {
		t.Fatalf("QueueMetrics: %v", err)
	}

	// Jobs 101 and 102 require every fleet label; 103 misses "linux". In the
	// running workflow, 202 is already completed and 204 misses "linux", so
	// only 203 counts as queued.
	if m.Pending != 2 {
		t.Errorf("Pending = %d, want 2", m.Pending)
	}
	if m.InProgress != 1 {
		t.Errorf("InProgress = %d, want 1", m.InProgress)
	}
	if m.Queued != 1 {
		t.Errorf("Queued = %d, want 1", m.Queued)
	}
	if m.Total != 4 {
		t.Errorf("Total = %d, want 4", m.Total)
	}
	if !m.NeedsScaling() {
		t.Error("NeedsScaling() = false with waiting jobs present")
	}
}

func TestQueueMetricsFailureIsObservationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv).QueueMetrics(context.Background(), repoFleet())
	var oe *ObservationError
	if !errors.As(err, &oe) {
		t.Fatalf("error %v should be an ObservationError", err)
	}
}

func TestMatchesLabels(t *testing.T) {
	tests := []struct {
		name        string
		jobLabels   []string
		fleetLabels []string
		want        bool
	}{
		{"exact match", []string{"self-hosted", "linux"}, []string{"self-hosted", "linux"}, true},
		{"job requires superset", []string{"self-hosted", "linux", "gpu"}, []string{"self-hosted", "linux"}, true},
		{"job missing fleet label", []string{"self-hosted"}, []string{"self-hosted", "linux"}, false},
		{"partial overlap does not count", []string{"self-hosted", "windows"}, []string{"self-hosted", "linux"}, false},
		{"empty job labels", nil, []string{"self-hosted"}, false},
		{"empty fleet labels match anything", []string{"whatever"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesLabels(tt.jobLabels, tt.fleetLabels); got != tt.want {
				t.Errorf("matchesLabels(%v, %v) = %v, want %v", tt.jobLabels, tt.fleetLabels, got, tt.want)
			}
		})
	}
}
