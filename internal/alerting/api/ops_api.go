package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
	"github.com/qiniu/controlplane/internal/alerting/service/learner"
)

func (api *Api) AutohealStatus(c *gin.Context) {
	c.JSON(http.StatusOK, api.Autoheal.Status())
}

// AutohealHistory reports the enforced limit, which never exceeds the history capacity.
// AutohealHistory implements GET /v1/autoheal/history?limit=...
func (api *Api) AutohealHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		sendError(c, err)
		return
	}
	items, total, limit := api.Autoheal.History(limit)
	c.JSON(http.StatusOK, gin.H{"history": items, "total_in_history": total, "limit": limit})
}

func (api *Api) AutohealStats(c *gin.Context) {
	c.JSON(http.StatusOK, api.Autoheal.Stats())
}

func (api *Api) AuditStats(c *gin.Context) {
	c.JSON(http.StatusOK, api.Stats.Snapshot())
}

func (api *Api) AuditOperator(c *gin.Context) {
	limit, err := queryInt(c, "limit", api.OperatorLimit)
	if err != nil {
		sendError(c, err)
		return
	}
	if limit == 0 || limit > 10*api.OperatorLimit {
		limit = api.OperatorLimit
	}
	recs, err := api.Ledger.List(c.Request.Context(), audit.Filter{
		Tenant: c.Query("tenant"),
		Action: c.Query("action"),
		Limit:  limit,
	})
	if err != nil {
		sendError(c, err)
		return
	}
	if recs == nil {
		recs = []*audit.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// AuditVerify replays the whole chain. A broken chain is reported in the body, not as an error status.
func (api *Api) AuditVerify(c *gin.Context) {
	res, err := api.Ledger.Verify(c.Request.Context())
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (api *Api) LearnerThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"thresholds": api.Learner.States()})
}

type feedbackRequest struct {
	AlertType string `json:"alert_type"`
	Positive  *bool  `json:"positive"`
	Source    string `json:"source"`
}

func (api *Api) LearnerFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := bindJSON(c, &req); err != nil {
		sendError(c, err)
		return
	}
	if req.Positive == nil {
		sendError(c, model.ValidationError("positive is required"))
		return
	}
	src := strings.TrimSpace(req.Source)
	if src == "" {
		src = "operator"
	}
	st, err := api.Learner.Record(c.Request.Context(), learner.Feedback{AlertType: req.AlertType, Positive: *req.Positive, Source: src})
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
