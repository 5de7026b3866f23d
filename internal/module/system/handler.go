package system

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/common/version"
)

// HealthStatus 各 offering 后端存活状态
type HealthStatus struct {
	Status   string          `json:"status"`
	Backends map[string]bool `json:"backends"`
}

// HandlerHealth answers 200 while every backend probe passes and 503 otherwise.
func (rt Router) HandlerHealth(c *gin.Context) {
	out := HealthStatus{Status: "ok", Backends: map[string]bool{}}
	if rt.Health != nil {
		out.Backends = rt.Health.Health()
	}
	code := http.StatusOK
	for _, up := range out.Backends {
		if !up {
			out.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, out)
}

// BuildInfo 构建信息
type BuildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	Branch    string `json:"branch"`
	BuildUser string `json:"build_user"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func HandlerVersion(c *gin.Context) {
	c.JSON(http.StatusOK, BuildInfo{
		Version:   version.Version,
		Revision:  version.Revision,
		Branch:    version.Branch,
		BuildUser: version.BuildUser,
		BuildDate: version.BuildDate,
		GoVersion: version.GoVersion,
	})
}
