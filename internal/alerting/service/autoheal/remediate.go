package autoheal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/registry"
	"github.com/qiniu/controlplane/internal/alerting/service/ruleset"
)

// Result is what a remediation action reports back to the loop. A skipped action is not recorded.
type Result struct {
	Success bool
	Skipped bool
	Message string
}

// remediate executes one policy action for an unhealthy service.
func (l *Loop) remediate(ctx context.Context, action Action, s registry.Service, probe ProbeResult) Result {
	switch action {
	case ActionRestartHint:
		return l.restartHint(ctx, s, probe)
	case ActionReregister:
		return l.reregister(ctx, s)
	case ActionAlertOnly:
		return l.alertOnly(ctx, s, probe)
	default:
		return Result{Message: fmt.Sprintf("unsupported action type: %s", action)}
	}
}

// restartHint asks the configured restart hook to bounce the service. Only a 2xx counts as success.
func (l *Loop) restartHint(ctx context.Context, s registry.Service, probe ProbeResult) Result {
	if l.cfg.RestartHookURL == "" {
		return Result{Message: "no restart hook configured"}
	}
	body, err := json.Marshal(map[string]any{
		"service": s.Name,
		"url":     s.URL,
		"version": s.Version,
		"reason":  probe.Error,
	})
	if err != nil {
		return Result{Message: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.RestartHookURL, bytes.NewReader(body))
	if err != nil {
		return Result{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("restart hook: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Message: fmt.Sprintf("restart hook returned %d", resp.StatusCode)}
	}
	return Result{Success: true, Message: "restart requested"}
}

// reregister refreshes last_seen on the current registration and re-probes it. Success means the
// service answers healthy again. A service removed meanwhile is skipped, never re-created.
func (l *Loop) reregister(ctx context.Context, s registry.Service) Result {
	fresh, err := l.services.Touch(ctx, s.Name)
	if model.IsKind(err, model.KindNotFound) {
		return Result{Skipped: true, Message: "service removed before re-registration"}
	}
	if err != nil {
		return Result{Message: fmt.Sprintf("re-register: %v", err)}
	}
	if p := l.prober.Probe(ctx, *fresh); !p.Healthy() {
		return Result{Message: "re-registered, still unhealthy: " + p.Error}
	}
	return Result{Success: true, Message: "re-registered and healthy"}
}

// alertOnly raises a service_unhealthy event for the rule engine. No fix is attempted, so it never succeeds.
func (l *Loop) alertOnly(ctx context.Context, s registry.Service, probe ProbeResult) Result {
	if l.signals == nil {
		return Result{Message: "alert raised: no rule engine attached"}
	}
	payload, _ := json.Marshal(probe)
	ev := ruleset.DomainEvent{
		TenantID:    l.cfg.AlertTenant,
		EventType:   AlertType,
		Source:      "autoheal",
		Labels:      ruleset.LabelMap{"service": s.Name},
		Fingerprint: "autoheal|" + s.Name,
		Payload:     payload,
		At:          l.now(),
	}
	fired, err := l.signals.Handle(ctx, ev)
	if err != nil {
		log.Warn().Err(err).Str("service", s.Name).Msg("raise unhealthy service alert")
		return Result{Message: fmt.Sprintf("alert failed: %v", err)}
	}
	return Result{Message: fmt.Sprintf("alert raised, %d rule(s) fired", len(fired))}
}
