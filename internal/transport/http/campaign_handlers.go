package httpt

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/service"
)

func (h *Handler) createCampaign(c *gin.Context) {
	const op = "transport.http.createCampaign"

	var req CreateCampaignRequest
	if !h.bindJSON(c, op, &req) {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	campaign, err := h.svc.Campaigns.CreateCampaign(ctx, service.CreateCampaignRequest{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Type:           entity.NotificationType(req.Type),
		Priority:       entity.Priority(req.Priority),
		Content:        req.Content,
		Channels:       toChannels(req.Channels),
		Audience:       req.Audience,
		ScheduledAt:    req.ScheduledAt,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusCreated, campaign)
}

func (h *Handler) listCampaigns(c *gin.Context) {
	const op = "transport.http.listCampaigns"

	var q campaignQuery
	if !h.bindQuery(c, op, &q) {
		return
	}

	f := entity.CampaignFilter{
		OrganizationID: optionalUUID(q.OrganizationID),
		Limit:          q.Limit,
		Offset:         q.Offset,
	}
	for _, s := range q.Statuses {
		f.Statuses = append(f.Statuses, entity.CampaignStatus(s))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	list, err := h.svc.Campaigns.GetCampaigns(ctx, f)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, list)
}

func (h *Handler) getCampaign(c *gin.Context) {
	h.campaignAction(c, "transport.http.getCampaign", h.svc.Campaigns.GetCampaign)
}

func (h *Handler) startCampaign(c *gin.Context) {
	h.campaignAction(c, "transport.http.startCampaign", h.svc.Campaigns.StartCampaign)
}

func (h *Handler) pauseCampaign(c *gin.Context) {
	h.campaignAction(c, "transport.http.pauseCampaign", h.svc.Campaigns.PauseCampaign)
}

func (h *Handler) cancelCampaign(c *gin.Context) {
	h.campaignAction(c, "transport.http.cancelCampaign", h.svc.Campaigns.CancelCampaign)
}

func (h *Handler) campaignAction(
	c *gin.Context,
	op string,
	action func(ctx context.Context, id uuid.UUID) (*entity.Campaign, error),
) {
	id, ok := h.pathUUID(c, op, "id")
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	campaign, err := action(ctx, id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, campaign)
}
