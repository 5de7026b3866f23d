package events

import (
	"context"

	"github.com/gin-gonic/gin"

	"siteagent/internal/pkg/model"
)

// Notifier accepts periodic limits updates.
type Notifier interface {
	Notify(ctx context.Context, u model.LimitsUpdate) (string, error)
}

type Router struct {
	Notifier Notifier
	// Token, when set, is required in the Authorization header as "Token <value>".
	Token string
}

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1/events", rt.authorize)
	{
		v1.POST("/periodic-limits", rt.HandlerPeriodicLimits) // POST /api/v1/events/periodic-limits
	}
}
