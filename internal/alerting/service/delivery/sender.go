package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qiniu/controlplane/internal/alerting/model"
)

// Sender performs one attempt. Implementations must honour ctx deadlines.
type Sender interface {
	Send(ctx context.Context, d *Delivery) Result
}

// HTTPSender posts a JSON envelope to the delivery target, rate limited per target host.
type HTTPSender struct {
	client *http.Client
	token  string
	rps    float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPSender creates a sender limited to ratePerTarget requests per second for each target host.
// bearerToken, when set, is sent in the Authorization header.
func NewHTTPSender(client *http.Client, ratePerTarget float64, bearerToken string) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSender{client: client, token: bearerToken, rps: ratePerTarget, limiters: map[string]*rate.Limiter{}}
}

type envelope struct {
	DeliveryID string          `json:"delivery_id"`
	TenantID   string          `json:"tenant_id"`
	RuleID     string          `json:"rule_id"`
	RuleName   string          `json:"rule_name"`
	EventType  string          `json:"event_type"`
	Attempt    int             `json:"attempt"`
	ReplayOf   string          `json:"replay_of,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

func (s *HTTPSender) limiter(target string) *rate.Limiter {
	if s.rps <= 0 {
		return nil
	}
	key := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		key = u.Host
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		burst := int(s.rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.rps), burst)
		s.limiters[key] = l
	}
	return l
}

func (s *HTTPSender) Send(ctx context.Context, d *Delivery) Result {
	if l := s.limiter(d.Target); l != nil {
		if err := l.Wait(ctx); err != nil {
			return Result{Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}
	body, err := json.Marshal(envelope{
		DeliveryID: d.ID,
		TenantID:   d.TenantID,
		RuleID:     d.RuleID,
		RuleName:   d.RuleName,
		EventType:  d.EventType,
		Attempt:    d.Attempts + 1,
		ReplayOf:   d.ReplayOf,
		Payload:    d.Payload,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return Result{Err: fmt.Errorf("marshal envelope: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Target, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", d.ID)
	req.Header.Set("Idempotency-Key", d.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Err: model.Upstream(err, "post delivery %s", d.ID)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res := Result{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests {
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return res
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
