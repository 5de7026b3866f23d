package status

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"siteagent/internal/pkg/common/response"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/pipeline"
	"siteagent/internal/pkg/store"
)

var knownStates = map[model.ResourceState]struct{}{
	model.ResourcePending:      {},
	model.ResourceProvisioning: {},
	model.ResourceActive:       {},
	model.ResourceErred:        {},
	model.ResourceTerminating:  {},
	model.ResourceTerminated:   {},
}

// Detail 单个资源的完整视图
type Detail struct {
	Resource  *model.Resource  `json:"resource"`
	Directive *model.Directive `json:"directive,omitempty"`
	Usage     model.UsageSet   `json:"usage,omitempty"`
	Pipeline  pipeline.Status  `json:"pipeline"`
}

// HandlerListResources 分页列出资源
//
// @Summary List resources
// @Description Lists resources known to the agent, optionally filtered by offering and lifecycle state.
// @Tags resources
// @Produce json
// @Param offering query string false "offering id"
// @Param state query string false "lifecycle state, comma separated" example("active,erred")
// @Param page query int false "page number, from 1"
// @Param page_size query int false "page size, 1-100"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /resources [get]
func (rt Router) HandlerListResources(c *gin.Context) {
	var pq model.PagingQuery
	_ = c.ShouldBindQuery(&pq)
	pq.SetDefaults(1, 20, 100)
	if err := pq.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, response.Error("invalid paging parameters"))
		return
	}

	filter := model.ResourceFilter{OfferingID: strings.TrimSpace(c.Query("offering"))}
	// 多状态逗号分隔
	if raw := strings.TrimSpace(c.Query("state")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := model.ResourceState(strings.ToLower(strings.TrimSpace(s)))
			if _, ok := knownStates[st]; !ok {
				c.JSON(http.StatusBadRequest, response.Error("unknown state "+string(st)))
				return
			}
			filter.States = append(filter.States, st)
		}
	}

	list, err := rt.Store.ListResources(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(err.Error()))
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	c.JSON(http.StatusOK, response.Page(c.Request.URL, pq.Page, pq.PageSize, len(list), model.PageOf(list, pq)))
}

// HandlerGetResource 资源详情：资源、最新指令、累计用量、流水线状态
//
// @Summary Get resource detail
// @Description Returns a resource with its latest directive, accumulated usage and pipeline state.
// @Tags resources
// @Produce json
// @Param id path string true "marketplace resource uuid"
// @Success 200 {object} Detail
// @Failure 404 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /resources/{id} [get]
func (rt Router) HandlerGetResource(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	res, err := rt.Store.GetResource(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, response.Error("resource not found"))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(err.Error()))
		return
	}

	d, err := rt.Store.LatestDirective(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, response.Error(err.Error()))
		return
	}
	set, err := rt.Store.GetUsage(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(err.Error()))
		return
	}

	out := Detail{Resource: res, Directive: d, Usage: set, Pipeline: pipeline.Status{StateName: pipeline.StateIdle.String()}}
	if rt.Pipeline != nil {
		out.Pipeline = rt.Pipeline.Status(id)
	}
	c.JSON(http.StatusOK, out)
}
