package slurmdb

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	slurmdbc "siteagent/internal/pkg/client/slurmdb"
	"siteagent/internal/pkg/common/response"
	"siteagent/internal/pkg/model"
)

// Account 账户在 slurmdbd 中的关联记录与成员
type Account struct {
	Association *model.Association `json:"association"`
	Users       []string           `json:"users"`
}

// HandlerGetAccount 查看后端账户在记账库中的实际状态（共享值、GrpTRESMins、QoS、成员）
//
// @Summary Inspect a Slurm account
// @Description Reads the account association and its users from slurmdbd, i.e. what the scheduler actually enforces.
// @Tags slurm-accounting
// @Produce json
// @Param name path string true "account name"
// @Success 200 {object} Account
// @Failure 404 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /slurm/accounting/accounts/{name} [get]
func HandlerGetAccount(c *gin.Context) {
	client := slurmdbc.Default()
	if client == nil {
		c.JSON(http.StatusInternalServerError, response.Error("slurmdb client not initialized"))
		return
	}
	name := c.Param("name")

	assoc, err := client.AccountAssociation(c.Request.Context(), name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, response.Error("account not found"))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(err.Error()))
		return
	}
	users, err := client.AccountUsers(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(err.Error()))
		return
	}
	c.JSON(http.StatusOK, Account{Association: assoc, Users: users})
}

// HandlerCheckQoS 检查 QoS 是否存在，返回缺失的名称
//
// @Summary Check QoS names
// @Tags slurm-accounting
// @Produce json
// @Param name query string true "QoS names, comma separated" example("normal,slowdown,blocked")
// @Success 200 {object} map[string][]string
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /slurm/accounting/qos/check [get]
func HandlerCheckQoS(c *gin.Context) {
	client := slurmdbc.Default()
	if client == nil {
		c.JSON(http.StatusInternalServerError, response.Error("slurmdb client not initialized"))
		return
	}
	raw := strings.TrimSpace(c.Query("name"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, response.Error("name is required"))
		return
	}
	missing, err := client.CheckQoS(c.Request.Context(), strings.Split(raw, ","))
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(err.Error()))
		return
	}
	if missing == nil {
		missing = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"missing": missing})
}
