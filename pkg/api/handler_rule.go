package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/rules"
)

// listRulesHandler handles GET /api/v1/rules.
func (s *Server) listRulesHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.catalog.Snapshot().List())
}

// getRuleHandler handles GET /api/v1/rules/:id.
func (s *Server) getRuleHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule id is required")
	}
	r, ok := s.catalog.Snapshot().Get(id)
	if !ok {
		return mapCatalogError(rules.ErrRuleNotFound)
	}
	return c.JSON(http.StatusOK, r)
}

// createRuleHandler handles POST /api/v1/rules. The rule is persisted
// as a frontmatter markdown file and the catalog reloads atomically.
func (s *Server) createRuleHandler(c *echo.Context) error {
	var req CreateRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule id is required")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	name := req.Name
	if name == "" {
		name = req.ID
	}
	r := &models.Rule{
		ID:      req.ID,
		Name:    name,
		Enabled: enabled,
		Triggers: models.RuleTrigger{
			Keywords: req.Keywords,
			Priority: req.Priority,
		},
		DependsOn:  req.DependsOn,
		PreExtract: toPreExtract(req.PreExtract),
		NeedsCode:  req.NeedsCode,
		Body:       req.Body,
	}
	if err := s.catalog.Create(r); err != nil {
		return mapCatalogError(err)
	}

	created, _ := s.catalog.Snapshot().Get(req.ID)
	return c.JSON(http.StatusCreated, created)
}

// updateRuleHandler handles PUT /api/v1/rules/:id. Partial update:
// absent fields keep their current values; the version bumps.
func (s *Server) updateRuleHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule id is required")
	}
	var req UpdateRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	upd := rules.RuleUpdate{
		Name:      req.Name,
		Enabled:   req.Enabled,
		DependsOn: req.DependsOn,
		NeedsCode: req.NeedsCode,
		Body:      req.Body,
	}
	if req.Keywords != nil || req.Priority != nil {
		cur, ok := s.catalog.Snapshot().Get(id)
		if !ok {
			return mapCatalogError(rules.ErrRuleNotFound)
		}
		trig := cur.Triggers
		if req.Keywords != nil {
			trig.Keywords = *req.Keywords
		}
		if req.Priority != nil {
			trig.Priority = *req.Priority
		}
		upd.Triggers = &trig
	}
	if req.PreExtract != nil {
		pe := toPreExtract(*req.PreExtract)
		upd.PreExtract = &pe
	}

	updated, err := s.catalog.Update(id, upd)
	if err != nil {
		return mapCatalogError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// deleteRuleHandler handles DELETE /api/v1/rules/:id.
func (s *Server) deleteRuleHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule id is required")
	}
	if err := s.catalog.Delete(id); err != nil {
		return mapCatalogError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "deleted"})
}

// reloadRulesHandler handles POST /api/v1/rules/reload. Forces a
// catalog reload from disk; a set that fails validation leaves the
// previous snapshot serving and reports the error.
func (s *Server) reloadRulesHandler(c *echo.Context) error {
	if err := s.catalog.Reload(); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "reloaded",
		Message: "rule catalog reloaded from disk",
	})
}
