package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/anomaly"
	"github.com/qiniu/controlplane/internal/alerting/service/learner"
	"github.com/qiniu/controlplane/internal/alerting/service/ruleset"
	"github.com/qiniu/controlplane/internal/middleware"
)

type eventRequest struct {
	TenantID    string            `json:"tenant_id"`
	EventType   string            `json:"event_type"`
	Source      string            `json:"source"`
	Labels      map[string]string `json:"labels"`
	Fingerprint string            `json:"fingerprint"`
	Payload     json.RawMessage   `json:"payload"`
}

// IngestEvent implements POST /v1/events. Only a malformed event is rejected (400); a rule whose
// delivery cannot be enqueued is reported on its entry in "fired" with an error and the
// request still answers 200.
func (api *Api) IngestEvent(c *gin.Context) {
	var req eventRequest
	if err := bindJSON(c, &req); err != nil {
		sendError(c, err)
		return
	}
	ctx := learner.WithSnapshot(c.Request.Context(), api.Learner.Snapshot())
	fired, err := api.Rules.Handle(ctx, ruleset.DomainEvent{
		TenantID:    req.TenantID,
		EventType:   req.EventType,
		Source:      req.Source,
		Labels:      req.Labels,
		Fingerprint: req.Fingerprint,
		Payload:     req.Payload,
	})
	if err != nil {
		sendError(c, err)
		return
	}
	if fired == nil {
		fired = []ruleset.Firing{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "fired": fired})
}

type samplesRequest struct {
	Samples []anomaly.Sample `json:"samples"`
}

// IngestSamples implements POST /v1/metrics/samples. The batch is ingested all or nothing.
func (api *Api) IngestSamples(c *gin.Context) {
	var req samplesRequest
	if err := bindJSON(c, &req); err != nil {
		sendError(c, err)
		return
	}
	if len(req.Samples) == 0 {
		sendError(c, model.ValidationError("samples must not be empty"))
		return
	}
	if err := api.Detector.Ingest(req.Samples...); err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accepted": len(req.Samples)})
}

// CurrentAnomalies implements GET /v1/anomalies/current?min_severity=...
func (api *Api) CurrentAnomalies(c *gin.Context) {
	minSev, ok := anomaly.ParseSeverity(c.Query("min_severity"))
	if !ok {
		sendError(c, model.ValidationError("min_severity must be one of info, warning, critical"))
		return
	}
	incidents, summary := api.Detector.Current(minSev)
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "summary": summary})
}

// ListRules implements GET /v1/rules
func (api *Api) ListRules(c *gin.Context) {
	rules := api.Rules.Rules(c.Query("tenant_id"))
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func (api *Api) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": api.Rules.Templates()})
}

// MaterializeRule implements POST /v1/rules. The rule is copied out of its template, so later
// template changes never reach it.
func (api *Api) MaterializeRule(c *gin.Context) {
	var req ruleset.MaterializeRequest
	if err := bindJSON(c, &req); err != nil {
		sendError(c, err)
		return
	}
	r, err := api.Rules.Materialize(c.Request.Context(), req, middleware.Identity(c))
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// DeleteRule implements DELETE /v1/rules/:id
func (api *Api) DeleteRule(c *gin.Context) {
	id := c.Param("id")
	if err := api.Rules.DeleteRule(c.Request.Context(), id); err != nil {
		sendError(c, err)
		return
	}
	api.audit(c, "rule.delete", id, nil)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": id})
}
