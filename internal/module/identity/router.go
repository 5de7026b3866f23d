package identity

import (
	"github.com/gin-gonic/gin"
)

type Router struct{}

func (Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1/identities")
	{
		v1.GET("/:name", HandlerResolve)       // GET /api/v1/identities/:name
		v1.DELETE("/:name", HandlerForget)     // DELETE /api/v1/identities/:name
		v1.POST("/resolve", HandlerResolveAll) // POST /api/v1/identities/resolve
	}
}
