package telephony

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"vonage-outbound-otp/internal/flow"
	"vonage-outbound-otp/pkg/logger"
)

// Callbacks is the orchestration side of the provider webhooks.
type Callbacks interface {
	Answered(ctx context.Context, callID string) flow.Flow
	Digits(ctx context.Context, callID string, in DigitInput) flow.Flow
	Event(ctx context.Context, ev CallEvent) error
}

// VonageWebhookHandler converts Vonage webhooks to internal types, delegates
// to Callbacks and writes NCCO.
//
// No business logic here. Provider callbacks never see an error status for
// processing failures; they get a spoken fallback or a plain 200.

type VonageWebhookHandler struct {
	Callbacks Callbacks
	// FromNumber is the caller ID used on connect actions.
	FromNumber string
}

func (h VonageWebhookHandler) HandleAnswer(c *gin.Context) {
	if h.Callbacks == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callbacks not configured"})
		return
	}
	f := h.Callbacks.Answered(c.Request.Context(), c.Param("id"))
	h.writeNCCO(c, f)
}

func (h VonageWebhookHandler) HandleDigits(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Callbacks == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callbacks not configured"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		log.Warn("dtmf webhook read failed", "err", err)
	}
	in, err := ParseDigits(body)
	if err != nil {
		log.Warn("dtmf webhook parse failed", "err", err)
		in = DigitInput{}
	}
	f := h.Callbacks.Digits(c.Request.Context(), c.Param("id"), in)
	h.writeNCCO(c, f)
}

func (h VonageWebhookHandler) HandleEvent(c *gin.Context) {
	log := logger.FromGin(c)
	defer c.Status(http.StatusOK)
	if h.Callbacks == nil {
		log.Error("event webhook received without callbacks configured")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		log.Warn("event webhook read failed", "err", err)
		return
	}
	ev, err := ParseEvent(body)
	if err != nil {
		log.Warn("event webhook parse failed", "err", err)
		return
	}
	if err := h.Callbacks.Event(c.Request.Context(), ev); err != nil {
		log.Error("event webhook processing failed", "provider_call_id", ev.ProviderCallID, "status", ev.Status, "err", err)
	}
}

func (h VonageWebhookHandler) writeNCCO(c *gin.Context, f flow.Flow) {
	ncco, err := RenderNCCO(f, h.FromNumber)
	if err != nil {
		logger.FromGin(c).Error("ncco render failed", "err", err)
		ncco, _ = RenderNCCO(flow.Apology(), h.FromNumber)
	}
	c.JSON(http.StatusOK, ncco)
}
