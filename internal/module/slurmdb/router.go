package slurmdb

import (
	"github.com/gin-gonic/gin"
)

type Router struct{}

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1/slurm/accounting")
	{
		v1.GET("/accounts/:name", HandlerGetAccount) // GET /api/v1/slurm/accounting/accounts/:name
		v1.GET("/qos/check", HandlerCheckQoS)        // GET /api/v1/slurm/accounting/qos/check?name=normal,slowdown
	}
}
