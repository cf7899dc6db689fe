package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vonage-outbound-otp/internal/flow"
)

type fakeCallbacks struct {
	answered []string
	digits   []DigitInput
	events   []CallEvent
	eventErr error
	out      flow.Flow
}

func (f *fakeCallbacks) Answered(ctx context.Context, callID string) flow.Flow {
	f.answered = append(f.answered, callID)
	return f.out
}

func (f *fakeCallbacks) Digits(ctx context.Context, callID string, in DigitInput) flow.Flow {
	f.digits = append(f.digits, in)
	return f.out
}

func (f *fakeCallbacks) Event(ctx context.Context, ev CallEvent) error {
	f.events = append(f.events, ev)
	return f.eventErr
}

func newWebhookRouter(cb Callbacks) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := VonageWebhookHandler{Callbacks: cb, FromNumber: "+15550000000"}
	r := gin.New()
	r.GET("/calls/:id/answer-callback", h.HandleAnswer)
	r.POST("/calls/:id/dtmf-callback", h.HandleDigits)
	r.POST("/calls/event-callback", h.HandleEvent)
	return r
}

func TestVonageWebhookHandler_AnswerWritesNCCO(t *testing.T) {
	cb := &fakeCallbacks{out: flow.NotFound()}
	r := newWebhookRouter(cb)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/c1/answer-callback?uuid=v-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"c1"}, cb.answered)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Call not found.", got[0]["text"])
}

func TestVonageWebhookHandler_DigitsParsesBody(t *testing.T) {
	cb := &fakeCallbacks{out: flow.Flow{{Kind: flow.KindSpeak, Text: "ok", Language: "en-US"}}}
	r := newWebhookRouter(cb)

	body := `{"uuid":"v-1","dtmf":{"digits":"1234","timed_out":false}}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/calls/c1/dtmf-callback", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, cb.digits, 1)
	assert.Equal(t, DigitInput{ProviderCallID: "v-1", Digits: "1234"}, cb.digits[0])
}

func TestVonageWebhookHandler_RenderFailureFallsBackToApology(t *testing.T) {
	cb := &fakeCallbacks{out: flow.Flow{{Kind: "bogus"}}}
	r := newWebhookRouter(cb)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/c1/answer-callback", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "An error occurred.")
}

func TestVonageWebhookHandler_EventAlwaysOK(t *testing.T) {
	cb := &fakeCallbacks{eventErr: errors.New("store down")}
	r := newWebhookRouter(cb)

	for _, body := range []string{`{"uuid":"v-1","status":"completed","duration":"12"}`, `garbage`, `{"status":"ringing"}`} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/calls/event-callback", strings.NewReader(body)))
		assert.Equal(t, http.StatusOK, w.Code, body)
	}
	require.Len(t, cb.events, 1)
	assert.Equal(t, "completed", cb.events[0].Status)
}
