package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/controlplane/internal/alerting/service/registry"
)

// Register implements POST /v1/register. Re-registering a name replaces the entry.
func (api *Api) Register(c *gin.Context) {
	var req registry.Service
	if err := bindJSON(c, &req); err != nil {
		sendError(c, err)
		return
	}
	svc, err := api.Registry.Register(c.Request.Context(), req)
	if err != nil {
		sendError(c, err)
		return
	}
	all, err := api.Registry.List(c.Request.Context())
	if err != nil {
		sendError(c, err)
		return
	}
	api.audit(c, "registry.register", svc.Name, map[string]any{"url": svc.URL, "version": svc.Version})
	c.JSON(http.StatusOK, gin.H{"status": "ok", "registered": svc, "service_count": len(all)})
}

func (api *Api) ListServices(c *gin.Context) {
	all, err := api.Registry.List(c.Request.Context())
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(all), "services": all})
}

// DeleteService implements DELETE /v1/services/:name (operator or admin).
func (api *Api) DeleteService(c *gin.Context) {
	name := c.Param("name")
	if err := api.Registry.Remove(c.Request.Context(), name); err != nil {
		sendError(c, err)
		return
	}
	all, err := api.Registry.List(c.Request.Context())
	if err != nil {
		sendError(c, err)
		return
	}
	api.audit(c, "registry.remove", name, nil)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": name, "remaining_count": len(all)})
}

func (api *Api) Health(c *gin.Context) {
	rep, err := api.Autoheal.Health(c.Request.Context())
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
