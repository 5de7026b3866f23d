package identity

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"siteagent/internal/pkg/common/response"
	"siteagent/internal/pkg/identity"
)

// HandlerResolve 将市场用户名解析为后端（POSIX）身份
//
// @Summary Resolve a marketplace username
// @Description Looks the user up in the identity directory. Results are cached for the life of the process.
// @Tags identities
// @Produce json
// @Param name path string true "marketplace username"
// @Success 200 {object} identity.Identity
// @Failure 404 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /identities/{name} [get]
func HandlerResolve(c *gin.Context) {
	id, err := identity.Default().Resolve(c.Request.Context(), c.Param("name"))
	if errors.Is(err, identity.ErrUnknownUser) {
		c.JSON(http.StatusNotFound, response.Error(err.Error()))
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, response.Error(err.Error()))
		return
	}
	c.JSON(http.StatusOK, id)
}

// HandlerForget 清除缓存，下次查询重新访问目录
//
// @Summary Drop a cached identity
// @Tags identities
// @Param name path string true "marketplace username"
// @Success 204
// @Router /identities/{name} [delete]
func HandlerForget(c *gin.Context) {
	identity.Default().Forget(c.Param("name"))
	c.Status(http.StatusNoContent)
}

// ResolveRequest 批量解析请求
type ResolveRequest struct {
	Names []string `json:"names" binding:"required,min=1,max=1000"`
}

// ResolveResult 批量解析结果；未能解析的用户名及原因放在 Failed 中
type ResolveResult struct {
	Usernames []string          `json:"usernames"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// HandlerResolveAll 批量解析用户名，与成员同步使用同一逻辑
//
// @Summary Resolve many marketplace usernames
// @Tags identities
// @Accept json
// @Produce json
// @Param body body ResolveRequest true "usernames"
// @Success 200 {object} ResolveResult
// @Failure 400 {object} response.Response
// @Router /identities/resolve [post]
func HandlerResolveAll(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error("invalid request: "+err.Error()))
		return
	}
	names, failed := identity.Default().ResolveAll(c.Request.Context(), req.Names)
	out := ResolveResult{Usernames: names}
	if len(failed) > 0 {
		out.Failed = make(map[string]string, len(failed))
		for n, err := range failed {
			out.Failed[n] = err.Error()
		}
	}
	c.JSON(http.StatusOK, out)
}
