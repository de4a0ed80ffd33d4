package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/controlplane/internal/alerting/model"
)

func TestHTTPSender_Send(t *testing.T) {
	var got envelope
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.Client(), 0, "secret")
	res := s.Send(context.Background(), &Delivery{ID: "d1", TenantID: "t1", RuleID: "r1", EventType: "cpu_high", Target: srv.URL, Attempts: 2, Payload: json.RawMessage(`{"a":1}`)})
	require.True(t, res.OK(), "%+v", res)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "d1", idem)
	assert.Equal(t, 3, got.Attempt)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))
}

func TestHTTPSender_RetryAfterAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
			return
		}
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.Client(), 100, "")
	res := s.Send(context.Background(), &Delivery{ID: "d1", Target: srv.URL + "/limited"})
	assert.Equal(t, 429, res.StatusCode)
	assert.Equal(t, 30*time.Second, res.RetryAfter)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res = s.Send(ctx, &Delivery{ID: "d2", Target: srv.URL + "/slow"})
	require.Error(t, res.Err)
	assert.True(t, model.IsKind(res.Err, model.KindUpstreamUnavailable))
	label, _ := Triage(res)
	assert.Equal(t, TriageTransient, label)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
}
