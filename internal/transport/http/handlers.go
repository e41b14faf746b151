package httpt

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/service"
)

func (h *Handler) createNotification(c *gin.Context) {
	const op = "transport.http.createNotification"

	var req CreateNotificationRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.svc.Notifications.Create(ctx, service.CreateRequest{
		OrganizationID: req.OrganizationID,
		Type:           entity.NotificationType(req.Type),
		Priority:       entity.Priority(req.Priority),
		Content:        req.Content,
		Recipient:      req.Recipient,
		Channels:       toChannels(req.Channels),
		Locale:         req.Locale,
		RelatedEntity:  req.RelatedEntity,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusCreated, n)
}

func (h *Handler) sendTemplated(c *gin.Context) {
	const op = "transport.http.sendTemplated"

	var req SendTemplatedRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.svc.Notifications.SendTemplated(ctx, service.SendTemplatedRequest{
		TemplateCode:   req.TemplateCode,
		OrganizationID: req.OrganizationID,
		Recipient:      req.Recipient,
		Variables:      req.Variables,
		Channels:       toChannels(req.Channels),
		Priority:       entity.Priority(req.Priority),
		Type:           entity.NotificationType(req.Type),
		Locale:         req.Locale,
		RelatedEntity:  req.RelatedEntity,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusCreated, n)
}

func (h *Handler) getNotification(c *gin.Context) {
	const op = "transport.http.getNotification"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.svc.Notifications.Get(ctx, id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (h *Handler) queryNotifications(c *gin.Context) {
	const op = "transport.http.queryNotifications"

	var q notificationQuery
	if !h.bindQuery(c, op, &q) {
		return
	}

	f := entity.NotificationFilter{
		UserID:         optionalUUID(q.UserID),
		OrganizationID: optionalUUID(q.OrganizationID),
		CampaignID:     optionalUUID(q.CampaignID),
		IsRead:         q.IsRead,
		From:           optionalTime(q.From),
		To:             optionalTime(q.To),
		IncludeExpired: q.IncludeExpired,
		Limit:          q.Limit,
		Offset:         q.Offset,
	}
	for _, t := range q.Types {
		f.Types = append(f.Types, entity.NotificationType(t))
	}
	for _, s := range q.Statuses {
		f.Statuses = append(f.Statuses, entity.Status(s))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.svc.Notifications.Query(ctx, f)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) deliveryReport(c *gin.Context) {
	const op = "transport.http.deliveryReport"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	report, err := h.svc.Notifications.DeliveryReport(ctx, id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *Handler) markRead(c *gin.Context) {
	const op = "transport.http.markRead"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.svc.Notifications.MarkAsRead(ctx, id); err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "notification marked as read"})
}

func (h *Handler) bulkMarkRead(c *gin.Context) {
	const op = "transport.http.bulkMarkRead"

	var req IDsRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.svc.Notifications.BulkMarkAsRead(ctx, req.IDs)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) markAllRead(c *gin.Context) {
	const op = "transport.http.markAllRead"

	userID, ok := h.pathUUID(c, op, "user_id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.svc.Notifications.MarkAllAsRead(ctx, userID)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) cancelNotification(c *gin.Context) {
	const op = "transport.http.cancelNotification"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.svc.Notifications.Cancel(ctx, id); err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "notification cancelled"})
}

func (h *Handler) resendNotification(c *gin.Context) {
	const op = "transport.http.resendNotification"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.svc.Notifications.Resend(ctx, id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (h *Handler) deleteNotification(c *gin.Context) {
	const op = "transport.http.deleteNotification"

	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.svc.Notifications.Delete(ctx, id); err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) bulkDelete(c *gin.Context) {
	const op = "transport.http.bulkDelete"

	var req IDsRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.svc.Notifications.BulkDelete(ctx, req.IDs)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, CountResponse{Count: n})
}

// deleteOld purges finished notifications older than ?older_than_days.
func (h *Handler) deleteOld(c *gin.Context) {
	const op = "transport.http.deleteOld"

	days, err := strconv.Atoi(c.Query("older_than_days"))
	if err != nil || days <= 0 {
		h.respondError(c, http.StatusBadRequest, "invalid_data", "older_than_days must be a positive integer", nil)
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.svc.Notifications.DeleteOld(ctx, days)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, CountResponse{Count: n})
}
