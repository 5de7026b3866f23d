package events

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"siteagent/internal/pkg/common/response"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/pipeline"
)

// Ack 事件投递结果
type Ack struct {
	ResourceID string `json:"resource_uuid"`
	Outcome    string `json:"outcome"`
}

func (rt Router) authorize(c *gin.Context) {
	if rt.Token == "" {
		c.Next()
		return
	}
	got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Token ")
	if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(rt.Token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error("invalid token"))
		return
	}
	c.Next()
}

// HandlerPeriodicLimits 接收周期限额更新通知（与推送通道语义相同）
//
// @Summary Deliver a periodic limits update
// @Description Accepts the same periodic limits notifications as the push channel. Duplicates within the dedup window are acknowledged and dropped.
// @Tags events
// @Accept json
// @Produce json
// @Param body body model.LimitsUpdate true "update"
// @Success 202 {object} Ack
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /events/periodic-limits [post]
func (rt Router) HandlerPeriodicLimits(c *gin.Context) {
	var u model.LimitsUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, response.Error("invalid update: "+err.Error()))
		return
	}

	outcome, err := rt.Notifier.Notify(c.Request.Context(), u)
	switch {
	case errors.Is(err, pipeline.ErrUnknownResource):
		c.JSON(http.StatusNotFound, response.Error(err.Error()))
		return
	case errors.Is(err, pipeline.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, response.Error(err.Error()))
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, response.Error(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, Ack{ResourceID: u.ResourceID, Outcome: outcome})
}
