package httpt

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) setupRoutes() {
	h.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := h.router.Group("/api/v1")

	n := api.Group("/notifications")
	n.POST("", h.createNotification)
	n.GET("", h.queryNotifications)
	n.DELETE("", h.deleteOld)
	n.POST("/templated", h.sendTemplated)
	n.POST("/read", h.bulkMarkRead)
	n.POST("/bulk-delete", h.bulkDelete)
	n.GET("/:id", h.getNotification)
	n.DELETE("/:id", h.deleteNotification)
	n.GET("/:id/report", h.deliveryReport)
	n.POST("/:id/read", h.markRead)
	n.POST("/:id/cancel", h.cancelNotification)
	n.POST("/:id/resend", h.resendNotification)

	t := api.Group("/templates")
	t.GET("", h.listTemplates)
	t.POST("", h.createTemplate)
	t.GET("/:id", h.getTemplate)
	t.PATCH("/:id", h.updateTemplate)

	r := api.Group("/rules")
	r.GET("", h.listRules)
	r.POST("", h.createRule)
	r.GET("/:id", h.getRule)
	r.PUT("/:id", h.updateRule)
	r.PATCH("/:id/active", h.setRuleActive)
	r.DELETE("/:id", h.deleteRule)

	api.POST("/events", h.triggerEvent)

	if h.svc.Queue != nil {
		api.POST("/queue/process", h.processQueue)
	}

	cp := api.Group("/campaigns")
	cp.POST("", h.createCampaign)
	cp.GET("", h.listCampaigns)
	cp.GET("/:id", h.getCampaign)
	cp.POST("/:id/start", h.startCampaign)
	cp.POST("/:id/pause", h.pauseCampaign)
	cp.POST("/:id/cancel", h.cancelCampaign)

	u := api.Group("/users/:user_id")
	u.GET("/settings", h.getSettings)
	u.PUT("/settings", h.updateSettings)
	u.POST("/notifications/read-all", h.markAllRead)
	u.POST("/devices/fcm", h.registerFcm)
	u.POST("/devices/web-push", h.subscribePush)

	d := api.Group("/devices")
	d.POST("/fcm/unregister", h.unregisterFcm)
	d.POST("/web-push/unsubscribe", h.unsubscribePush)

	api.GET("/ws", h.connectRealtime)
}
