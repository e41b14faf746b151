package httpt

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/pkg/logger"
)

func (h *Handler) getSettings(c *gin.Context) {
	const op = "transport.http.getSettings"

	userID, ok := h.pathUUID(c, op, "user_id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	st, err := h.svc.Preferences.GetSettings(ctx, userID)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (h *Handler) updateSettings(c *gin.Context) {
	const op = "transport.http.updateSettings"

	userID, ok := h.pathUUID(c, op, "user_id")
	if !ok {
		return
	}

	var st entity.UserSettings
	if !h.bindJSON(c, op, &st) {
		return
	}
	st.UserID = userID

	ctx, cancel := h.requestContext(c)
	defer cancel()

	saved, err := h.svc.Preferences.UpdateSettings(ctx, st)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, saved)
}

func (h *Handler) registerFcm(c *gin.Context) {
	const op = "transport.http.registerFcm"

	userID, ok := h.pathUUID(c, op, "user_id")
	if !ok {
		return
	}

	var req RegisterFcmRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	d, err := h.svc.Preferences.RegisterFcm(ctx, userID, req.Token, req.Platform)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

func (h *Handler) unregisterFcm(c *gin.Context) {
	const op = "transport.http.unregisterFcm"

	var req TokenRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.svc.Preferences.UnregisterFcm(ctx, req.Token); err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) subscribePush(c *gin.Context) {
	const op = "transport.http.subscribePush"

	userID, ok := h.pathUUID(c, op, "user_id")
	if !ok {
		return
	}

	var req SubscribePushRequest
	if !h.bindJSON(c, op, &req) {
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	d, err := h.svc.Preferences.SubscribePush(ctx, userID, req.Endpoint, req.Keys.P256dh, req.Keys.Auth, req.UserAgent)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

func (h *Handler) unsubscribePush(c *gin.Context) {
	const op = "transport.http.unsubscribePush"

	var req EndpointRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.svc.Preferences.UnsubscribePush(ctx, req.Endpoint); err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// connectRealtime upgrades to a websocket that streams in-app notifications of ?user_id.
func (h *Handler) connectRealtime(c *gin.Context) {
	const op = "transport.http.connectRealtime"

	if h.svc.Realtime == nil {
		h.respondError(c, http.StatusUnprocessableEntity, "not_configured", "Realtime delivery is disabled", nil)
		return
	}

	raw := c.Query("user_id")
	userID := optionalUUID(raw)
	if userID == nil {
		h.handleInvalidUUID(c, op, raw)
		return
	}

	if err := h.svc.Realtime.Serve(c.Writer, c.Request, userID.String()); err != nil {
		logger.Ctx(c.Request.Context(), h.log).Warn("websocket upgrade failed",
			zap.String("op", op),
			zap.Error(err),
		)
	}
}
