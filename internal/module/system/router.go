package system

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthSource reports backend liveness per offering.
type HealthSource interface {
	Health() map[string]bool
}

type Router struct {
	Health  HealthSource
	Metrics http.Handler
}

func (rt Router) Register(r *gin.Engine) {
	r.GET("/healthz", rt.HandlerHealth) // GET /healthz
	r.GET("/version", HandlerVersion)   // GET /version
	if rt.Metrics != nil {
		r.GET("/metrics", gin.WrapH(rt.Metrics)) // GET /metrics
	}
}
