package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/anomaly"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
	"github.com/qiniu/controlplane/internal/alerting/service/autoheal"
	"github.com/qiniu/controlplane/internal/alerting/service/delivery"
	"github.com/qiniu/controlplane/internal/alerting/service/learner"
	"github.com/qiniu/controlplane/internal/alerting/service/registry"
	"github.com/qiniu/controlplane/internal/alerting/service/ruleset"
	"github.com/qiniu/controlplane/internal/middleware"
)

type Deps struct {
	Registry      *registry.Registry
	Detector      *anomaly.Detector
	Rules         *ruleset.Manager
	Deliveries    *delivery.Engine
	Autoheal      *autoheal.Loop
	Learner       *learner.Learner
	Ledger        *audit.Ledger
	Stats         *middleware.RequestStats
	OperatorLimit int
}

type Api struct {
	Deps
}

// NewApi registers every /v1 route on router. OperatorLimit defaults to 100.
func NewApi(router *gin.Engine, deps Deps) *Api {
	if deps.OperatorLimit <= 0 {
		deps.OperatorLimit = 100
	}
	api := &Api{Deps: deps}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *gin.Engine) {
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// report: services announce themselves and push their own events and samples
	report := middleware.RequireRoles(middleware.RoleAdmin, middleware.RoleOperator, middleware.RoleService)
	operate := middleware.RequireRoles(middleware.RoleAdmin, middleware.RoleOperator)
	read := middleware.RequireRoles(middleware.RoleAdmin, middleware.RoleOperator, middleware.RoleViewer)

	v1 := router.Group("/v1")

	v1.POST("/register", report, api.Register)
	v1.GET("/services", read, api.ListServices)
	v1.DELETE("/services/:name", operate, api.DeleteService)
	v1.GET("/health", read, api.Health)

	v1.POST("/events", report, api.IngestEvent)
	v1.POST("/metrics/samples", report, api.IngestSamples)
	v1.GET("/anomalies/current", read, api.CurrentAnomalies)

	v1.GET("/rules", read, api.ListRules)
	v1.GET("/rules/templates", read, api.ListTemplates)
	v1.POST("/rules", operate, api.MaterializeRule)
	v1.DELETE("/rules/:id", operate, api.DeleteRule)

	v1.GET("/deliveries", read, api.LiveDeliveries)
	v1.POST("/deliveries", operate, api.CreateDelivery)
	v1.GET("/deliveries/history", read, api.DeliveryHistory)
	v1.GET("/deliveries/replay-candidates", read, api.ReplayCandidates)
	v1.POST("/deliveries/replay", operate, api.BulkReplay)
	v1.GET("/deliveries/:id", read, api.GetDelivery)
	v1.POST("/deliveries/:id/replay", operate, api.Replay)

	v1.GET("/autoheal/status", read, api.AutohealStatus)
	v1.GET("/autoheal/history", read, api.AutohealHistory)
	v1.GET("/autoheal/stats", read, api.AutohealStats)

	v1.GET("/audit/stats", read, api.AuditStats)
	v1.GET("/audit/operator", operate, api.AuditOperator)
	v1.GET("/audit/verify", operate, api.AuditVerify)

	v1.GET("/learner/thresholds", read, api.LearnerThresholds)
	v1.POST("/learner/feedback", operate, api.LearnerFeedback)
}

// sendError writes the structured error body for err.
func sendError(c *gin.Context, err error) {
	kind := model.KindOf(err)
	status := model.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, model.Response(err))
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c *gin.Context, name string, def int) (int, error) {
	s := c.Query(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, model.ValidationError("%s must be a non-negative integer", name)
	}
	return n, nil
}

func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return model.ValidationError("invalid request body: %v", err)
	}
	return nil
}

func actor(c *gin.Context) delivery.Actor {
	return delivery.Actor{ID: middleware.Identity(c), SourceIP: c.ClientIP()}
}

// audit records a sensitive API action. Ledger failures are logged, never surfaced.
func (api *Api) audit(c *gin.Context, action, target string, metadata map[string]any) {
	if api.Ledger == nil {
		return
	}
	if _, err := api.Ledger.Append(c.Request.Context(), audit.Entry{
		Actor:    middleware.Identity(c),
		Action:   action,
		TargetID: target,
		Metadata: metadata,
		SourceIP: c.ClientIP(),
	}); err != nil {
		log.Error().Err(err).Str("action", action).Msg("audit api action")
	}
}
