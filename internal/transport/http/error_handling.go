package httpt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/pkg/logger"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Order matters: ErrTemplateNotFound is checked before the generic not-found.
var _errorMappings = []errorMapping{
	{entity.ErrTemplateNotFound, http.StatusNotFound, "template_not_found", "Template not found"},
	{entity.ErrNotFound, http.StatusNotFound, "not_found", "Resource not found"},
	{entity.ErrValidation, http.StatusBadRequest, "invalid_data", "Invalid input data"},
	{entity.ErrConflict, http.StatusConflict, "conflict", "Data conflict occurred"},
	{entity.ErrInvalidState, http.StatusConflict, "invalid_state", "Operation is not allowed in the current state"},
	{entity.ErrConfiguration, http.StatusUnprocessableEntity, "not_configured", "Required configuration is missing"},
	{entity.ErrDeliveryFailure, http.StatusBadGateway, "delivery_failed", "Delivery provider rejected the request"},
}

func (h *Handler) handleServiceError(c *gin.Context, op string, err error) {
	ctx := c.Request.Context()
	log := logger.Ctx(ctx, h.log)

	for _, m := range _errorMappings {
		if errors.Is(err, m.target) {
			log.Warn(m.message, zap.String("op", op), zap.Error(err))
			h.respondError(c, m.status, m.code, m.message, err)
			return
		}
	}

	log.Error("internal server error", zap.String("op", op), zap.Error(err))
	h.respondError(c, http.StatusInternalServerError, "internal_error", "Internal server error occurred", nil)
}

func (h *Handler) respondError(c *gin.Context, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

func (h *Handler) handleInvalidUUID(c *gin.Context, op, raw string) {
	logger.Ctx(c.Request.Context(), h.log).Warn("invalid uuid",
		zap.String("op", op),
		zap.String("value", raw),
	)
	h.respondError(c, http.StatusBadRequest, "invalid_id", "Invalid identifier format",
		fmt.Errorf("%q is not a valid uuid", raw))
}

func (h *Handler) handleBindError(c *gin.Context, op string, err error) {
	logger.Ctx(c.Request.Context(), h.log).Warn("bad request", zap.String("op", op), zap.Error(err))

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		h.respondError(c, http.StatusBadRequest, "invalid_data", "Invalid input data", errors.New(formatValidation(verrs)))
		return
	}
	h.respondError(c, http.StatusBadRequest, "invalid_body", "Malformed request", err)
}

func formatValidation(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
