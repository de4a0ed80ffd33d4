package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/delivery"
)

const maxPageSize = 500

func pageParams(c *gin.Context) (int, int, error) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return 0, 0, err
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// LiveDeliveries implements GET /v1/deliveries?page=...&page_size=...
func (api *Api) LiveDeliveries(c *gin.Context) {
	limit, _, err := pageParams(c)
	if err != nil {
		sendError(c, err)
		return
	}
	items, total, err := api.Deliveries.Live(c.Request.Context(), c.Query("tenant_id"), limit)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// DeliveryHistory implements GET /v1/deliveries/history?status=...&tenant_id=...
func (api *Api) DeliveryHistory(c *gin.Context) {
	limit, offset, err := pageParams(c)
	if err != nil {
		sendError(c, err)
		return
	}
	f := delivery.ListFilter{TenantID: c.Query("tenant_id"), Limit: limit, Offset: offset}
	for _, s := range splitList(c.Query("status")) {
		f.Statuses = append(f.Statuses, delivery.Status(s))
	}
	for _, l := range splitList(c.Query("triage_label")) {
		f.Labels = append(f.Labels, delivery.TriageLabel(l))
	}
	items, total, err := api.Deliveries.List(c.Request.Context(), f)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "limit": limit, "offset": offset})
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetDelivery implements GET /v1/deliveries/:id
func (api *Api) GetDelivery(c *gin.Context) {
	d, err := api.Deliveries.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// CreateDelivery implements POST /v1/deliveries. A duplicate of a non-terminal delivery returns the
// existing one with created=false.
func (api *Api) CreateDelivery(c *gin.Context) {
	var req delivery.CreateRequest
	if err := bindJSON(c, &req); err != nil {
		sendError(c, err)
		return
	}
	d, created, err := api.Deliveries.Create(c.Request.Context(), req)
	if err != nil {
		sendError(c, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"delivery": d, "created": created})
}

func (api *Api) ReplayCandidates(c *gin.Context) {
	limit, _, err := pageParams(c)
	if err != nil {
		sendError(c, err)
		return
	}
	items, total, err := api.Deliveries.ReplayCandidates(c.Request.Context(), c.Query("tenant_id"), limit)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// Replay implements POST /v1/deliveries/:id/replay. An unknown id is not_found (404); a delivery that
// is not failed or dead_letter is a validation error (400).
func (api *Api) Replay(c *gin.Context) {
	id := c.Param("id")
	d, err := api.Deliveries.Replay(c.Request.Context(), id, actor(c))
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"original_id": id, "new_id": d.ID})
}

type bulkReplayRequest struct {
	IDs []string `json:"ids"`
}

// BulkReplay implements POST /v1/deliveries/replay. It never fails as a whole once the body is valid;
// each id gets its own result, with unknown ids reported as not_found like the single replay.
func (api *Api) BulkReplay(c *gin.Context) {
	var req bulkReplayRequest
	if err := bindJSON(c, &req); err != nil {
		sendError(c, err)
		return
	}
	if len(req.IDs) == 0 {
		sendError(c, model.ValidationError("ids must not be empty"))
		return
	}
	if len(req.IDs) > maxPageSize {
		sendError(c, model.ValidationError("at most %d ids per request", maxPageSize))
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": api.Deliveries.BulkReplay(c.Request.Context(), req.IDs, actor(c))})
}
