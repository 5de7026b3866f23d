package status

import (
	"github.com/gin-gonic/gin"

	"siteagent/internal/pkg/pipeline"
	"siteagent/internal/pkg/store"
)

// PipelineView exposes the in-memory cycle state of a resource.
type PipelineView interface {
	Status(id string) pipeline.Status
}

type Router struct {
	Store    store.Store
	Pipeline PipelineView
}

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1/resources")
	{
		v1.GET("", rt.HandlerListResources)   // GET /api/v1/resources?offering=xxx&state=active,erred&page=1&page_size=20
		v1.GET("/:id", rt.HandlerGetResource) // GET /api/v1/resources/{id}
	}
}
