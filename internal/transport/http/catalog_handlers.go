package httpt

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/service"
	"notifydispatch/pkg/logger"
)

func (h *Handler) listTemplates(c *gin.Context) {
	const op = "transport.http.listTemplates"

	f := entity.TemplateFilter{
		Type:       entity.NotificationType(c.Query("type")),
		ActiveOnly: c.Query("active_only") == "true",
	}
	if raw := c.Query("organization_id"); raw != "" {
		orgID, err := uuid.Parse(raw)
		if err != nil {
			h.handleInvalidUUID(c, op, raw)
			return
		}
		f.OrganizationID = &orgID
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	list, err := h.svc.Templates.GetTemplates(ctx, f)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, list)
}

func (h *Handler) getTemplate(c *gin.Context) {
	const op = "transport.http.getTemplate"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	tpl, err := h.svc.Templates.GetTemplate(ctx, id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, tpl)
}

func (h *Handler) createTemplate(c *gin.Context) {
	const op = "transport.http.createTemplate"

	var req CreateTemplateRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	tpl := entity.Template{
		OrganizationID:  req.OrganizationID,
		Code:            req.Code,
		Name:            req.Name,
		Description:     req.Description,
		Type:            entity.NotificationType(req.Type),
		BaseLocale:      req.BaseLocale,
		Locales:         req.Locales,
		DefaultChannels: toChannels(req.DefaultChannels),
		DefaultPriority: entity.Priority(req.DefaultPriority),
		Variables:       req.Variables,
		IsActive:        req.IsActive == nil || *req.IsActive,
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	created, err := h.svc.Templates.CreateTemplate(ctx, tpl)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *Handler) updateTemplate(c *gin.Context) {
	const op = "transport.http.updateTemplate"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	var req UpdateTemplateRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	upd := service.TemplateUpdate{
		Name:            req.Name,
		Description:     req.Description,
		BaseLocale:      req.BaseLocale,
		Locales:         req.Locales,
		DefaultChannels: toChannels(req.DefaultChannels),
		Variables:       req.Variables,
		IsActive:        req.IsActive,
	}
	if req.DefaultPriority != nil {
		p := entity.Priority(*req.DefaultPriority)
		upd.DefaultPriority = &p
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	tpl, err := h.svc.Templates.UpdateTemplate(ctx, id, upd)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, tpl)
}

func (h *Handler) listRules(c *gin.Context) {
	const op = "transport.http.listRules"

	raw := c.Query("organization_id")
	orgID, err := uuid.Parse(raw)
	if err != nil {
		h.handleInvalidUUID(c, op, raw)
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	rules, err := h.svc.Rules.ListRules(ctx, orgID)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, rules)
}

func (h *Handler) getRule(c *gin.Context) {
	const op = "transport.http.getRule"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	rule, err := h.svc.Rules.GetRule(ctx, id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (h *Handler) createRule(c *gin.Context) {
	const op = "transport.http.createRule"

	var rule entity.Rule
	if !h.bindJSON(c, op, &rule) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	created, err := h.svc.Rules.CreateRule(ctx, rule)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *Handler) updateRule(c *gin.Context) {
	const op = "transport.http.updateRule"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	var rule entity.Rule
	if !h.bindJSON(c, op, &rule) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	updated, err := h.svc.Rules.UpdateRule(ctx, id, rule)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

func (h *Handler) setRuleActive(c *gin.Context) {
	const op = "transport.http.setRuleActive"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	var req RuleActiveRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	rule, err := h.svc.Rules.SetRuleActive(ctx, id, *req.IsActive)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (h *Handler) deleteRule(c *gin.Context) {
	const op = "transport.http.deleteRule"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.svc.Rules.DeleteRule(ctx, id); err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) triggerEvent(c *gin.Context) {
	const op = "transport.http.triggerEvent"

	var req EventRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	report, err := h.svc.Rules.TriggerByEvent(ctx, req.OrganizationID, req.EventType, req.Data)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	logger.Ctx(ctx, h.log).Info("event processed",
		zap.String("event_type", req.EventType),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("created", report.Created),
	)

	c.JSON(http.StatusOK, report)
}

// processQueue is not bound by the request timeout: a pass may legitimately
// take as long as one gateway send timeout.
func (h *Handler) processQueue(c *gin.Context) {
	const op = "transport.http.processQueue"

	ctx := c.Request.Context()

	stats, err := h.svc.Queue.ProcessQueue(ctx)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	logger.Ctx(ctx, h.log).Info("queue processed on demand",
		zap.Int("claimed", stats.Claimed),
		zap.Int("sent", stats.Sent),
		zap.Int("retried", stats.Retried),
		zap.Int("failed", stats.Failed),
	)

	c.JSON(http.StatusOK, stats)
}
