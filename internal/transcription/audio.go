package transcription

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"vonage-outbound-otp/pkg/logger"
)

const (
	audioMaxFrameBytes = 64 << 10
	audioReadWait      = 60 * time.Second
)

// CallSink is the call side of audio ingest.
type CallSink interface {
	CallLanguage(ctx context.Context, callID string) (string, error)
	RecordTranscript(ctx context.Context, callID, text string, confidence *float64) error
}

// AudioHandler accepts a provider audio websocket for one call and forwards
// binary linear16 frames to the transcription registry. Text frames (the
// provider's metadata preamble) are ignored.

type AudioHandler struct {
	registry *Registry
	sink     CallSink
	log      *slog.Logger
	upgrader websocket.Upgrader

	// NotFound reports whether err from CallLanguage means an unknown call.
	NotFound func(err error) bool
}

func NewAudioHandler(registry *Registry, sink CallSink, log *slog.Logger) *AudioHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AudioHandler{
		registry: registry,
		sink:     sink,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  audioMaxFrameBytes,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (h *AudioHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	callID := c.Param("id")

	if !h.registry.Enabled() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "transcription disabled"})
		return
	}
	language, err := h.sink.CallLanguage(c.Request.Context(), callID)
	if err != nil {
		if h.NotFound != nil && h.NotFound(err) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		log.Error("audio ingest lookup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	onFragment := func(f Fragment) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sink.RecordTranscript(ctx, callID, f.Text, f.Confidence); err != nil {
			h.log.Warn("transcript not recorded", "call_id", callID, "err", err)
		}
	}
	if err := h.registry.Start(c.Request.Context(), callID, language, onFragment); err != nil {
		if errors.Is(err, ErrSessionActive) {
			log.Warn("second audio socket rejected", "call_id", callID)
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call already streaming"})
			return
		}
		log.Error("transcription start failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "transcription unavailable"})
		return
	}
	defer h.registry.Stop(callID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug("audio websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(audioMaxFrameBytes)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(audioReadWait))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := h.registry.Send(callID, data); err != nil {
			if errors.Is(err, ErrNoSession) {
				return
			}
			log.Warn("audio forward failed", "call_id", callID, "err", err)
		}
	}
}
