package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vonage-outbound-otp/internal/audit"
	"vonage-outbound-otp/internal/auth"
	"vonage-outbound-otp/internal/calls"
	"vonage-outbound-otp/internal/config"
	"vonage-outbound-otp/internal/flow"
	"vonage-outbound-otp/internal/rbac"
	"vonage-outbound-otp/internal/reporting"
	"vonage-outbound-otp/internal/telephony"
	"vonage-outbound-otp/pkg/logger"
)

type stubTransport struct {
	err error
}

func (s *stubTransport) PlaceCall(_ context.Context, callID, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "v-" + callID, nil
}

type apiHarness struct {
	router    *gin.Engine
	store     *calls.MemoryStore
	transport *stubTransport
	audit     *audit.MemoryRepo
	svc       *calls.Service
	token     func(role string) string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := calls.NewMemoryStore()
	transport := &stubTransport{}
	log := logger.Discard()
	svc := calls.NewService(store, nil, transport, flow.NewGenerator("https://otp.example.com"), nil, calls.Options{Logger: log})

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)

	auditRepo := audit.NewMemoryRepo()
	h := Handlers{
		Auth:    m,
		APIKey:  "key",
		Calls:   svc,
		Reports: reporting.NewService(reporting.NewListRepo(store)),
		Audit:   audit.NewService(auditRepo),
		Checks: map[string]func(context.Context) error{
			"store": func(context.Context) error { return nil },
		},
	}

	r := gin.New()
	r.Use(logger.Middleware(log))
	r.POST("/auth/token", h.IssueToken)
	r.POST("/auth/refresh", h.RefreshToken)

	wh := telephony.VonageWebhookHandler{Callbacks: CallCallbacks{Service: svc}, FromNumber: "15550000000"}
	r.GET("/calls/:id/answer-callback", wh.HandleAnswer)
	r.POST("/calls/:id/dtmf-callback", wh.HandleDigits)
	r.POST("/calls/event-callback", wh.HandleEvent)

	api := r.Group("/", auth.RequireAccessToken(m))
	api.POST("/calls", rbac.RequireAnyRole(rbac.RoleOperator), h.TriggerCall)
	api.GET("/calls", rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer), h.ListCalls)
	api.GET("/calls/:id", rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer), h.GetCall)
	api.GET("/stats", rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer), h.Stats)
	r.GET("/healthz", h.Health)

	return &apiHarness{
		router:    r,
		store:     store,
		transport: transport,
		audit:     auditRepo,
		svc:       svc,
		token: func(role string) string {
			p, err := m.IssuePair(time.Now(), "op-1", role)
			require.NoError(t, err)
			return p.AccessToken
		},
	}
}

func (a *apiHarness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestIssueToken(t *testing.T) {
	a := newAPIHarness(t)

	w := a.do(http.MethodPost, "/auth/token", "", map[string]string{"userId": "u", "role": "operator", "apiKey": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodPost, "/auth/token", "", map[string]string{"userId": "u", "role": "root", "apiKey": "key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/auth/token", "", map[string]string{"userId": "u", "role": "operator", "apiKey": "key"})
	require.Equal(t, http.StatusOK, w.Code)
	pair := decode[auth.TokenPair](t, w)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	evs := a.audit.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventTypeTokenIssued, evs[0].Type)
}

func TestRefreshToken(t *testing.T) {
	a := newAPIHarness(t)

	w := a.do(http.MethodPost, "/auth/token", "", map[string]string{"userId": "u", "role": "viewer", "apiKey": "key"})
	require.Equal(t, http.StatusOK, w.Code)
	pair := decode[auth.TokenPair](t, w)

	w = a.do(http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodPost, "/auth/refresh", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": pair.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	next := decode[auth.TokenPair](t, w)
	require.NotEmpty(t, next.AccessToken)

	w = a.do(http.MethodGet, "/stats", next.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, a.audit.Events(), 2)
}

func TestTriggerCall_CreatedAndAudited(t *testing.T) {
	a := newAPIHarness(t)

	w := a.do(http.MethodPost, "/calls", a.token(rbac.RoleOperator), map[string]string{"phoneNumber": "+1 555 123 4567", "otpCode": "4821"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	res := decode[calls.TriggerResult](t, w)
	require.NotEmpty(t, res.LocalID)
	assert.Equal(t, "v-"+res.LocalID, res.ProviderCallID)

	c, err := a.store.Get(context.Background(), res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusRinging, c.Status)

	evs := a.audit.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventTypeCallTriggered, evs[0].Type)
	assert.Equal(t, res.LocalID, evs[0].CallID)
	assert.Equal(t, "op-1", evs[0].ActorUserID)
}

func TestTriggerCall_ViewerForbidden(t *testing.T) {
	a := newAPIHarness(t)
	w := a.do(http.MethodPost, "/calls", a.token(rbac.RoleViewer), map[string]string{"phoneNumber": "+15551234567", "otpCode": "4821"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(http.MethodPost, "/calls", "", map[string]string{"phoneNumber": "+15551234567", "otpCode": "4821"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTriggerCall_ValidationError(t *testing.T) {
	a := newAPIHarness(t)

	w := a.do(http.MethodPost, "/calls", a.token(rbac.RoleOperator), map[string]string{"phoneNumber": "+15551234567"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "validation failed", body["error"])
	assert.NotEmpty(t, body["details"])

	list, err := a.store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTriggerCall_ProviderFailure(t *testing.T) {
	a := newAPIHarness(t)
	a.transport.err = errors.New("vonage: 401 unauthorized")

	w := a.do(http.MethodPost, "/calls", a.token(rbac.RoleOperator), map[string]string{"phoneNumber": "+15551234567", "otpCode": "4821"})
	require.Equal(t, http.StatusBadGateway, w.Code)

	body := decode[map[string]any](t, w)
	assert.Contains(t, body["details"], "401 unauthorized")

	list, err := a.store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, calls.StatusFailed, list[0].Status)
	assert.Empty(t, a.audit.Events())
}

func TestGetCall(t *testing.T) {
	a := newAPIHarness(t)
	tok := a.token(rbac.RoleViewer)

	w := a.do(http.MethodGet, "/calls/missing", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	res, err := a.svc.TriggerCall(context.Background(), calls.TriggerRequest{PhoneNumber: "+15551234567", OTPCode: "4821"})
	require.NoError(t, err)
	require.NoError(t, a.svc.RecordTranscript(context.Background(), res.LocalID, "hello", nil))

	w = a.do(http.MethodGet, "/calls/"+res.LocalID, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, res.LocalID, body["id"])
	assert.Equal(t, "ringing", body["status"])
	ts, ok := body["transcripts"].([]any)
	require.True(t, ok)
	assert.Len(t, ts, 1)
}

func TestListCalls(t *testing.T) {
	a := newAPIHarness(t)
	tok := a.token(rbac.RoleViewer)

	for i := 0; i < 3; i++ {
		_, err := a.svc.TriggerCall(context.Background(), calls.TriggerRequest{PhoneNumber: "+15551234567", OTPCode: "4821"})
		require.NoError(t, err)
	}

	w := a.do(http.MethodGet, "/calls?limit=2", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 2)

	w = a.do(http.MethodGet, "/calls?limit=abc", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	a := newAPIHarness(t)

	w := a.do(http.MethodGet, "/stats", a.token(rbac.RoleViewer), nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, float64(0), body["totalCalls"])
	assert.Nil(t, body["avgDuration"])
}

func TestHealth(t *testing.T) {
	a := newAPIHarness(t)
	w := a.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	h := Handlers{Checks: map[string]func(context.Context) error{
		"db": func(context.Context) error { return errors.New("down") },
	}}
	r := gin.New()
	r.GET("/healthz", h.Health)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "down")
}

func TestWebhooks_VerificationRoundTrip(t *testing.T) {
	a := newAPIHarness(t)
	ctx := context.Background()

	res, err := a.svc.TriggerCall(ctx, calls.TriggerRequest{PhoneNumber: "+15551234567", OTPCode: "4821"})
	require.NoError(t, err)

	w := a.do(http.MethodGet, "/calls/"+res.LocalID+"/answer-callback", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"input"`)
	assert.Contains(t, w.Body.String(), "/calls/"+res.LocalID+"/dtmf-callback")

	c, err := a.store.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusAnswered, c.Status)

	body := `{"uuid":"` + res.ProviderCallID + `","dtmf":{"digits":"4821","timed_out":false}}`
	req := httptest.NewRequest(http.MethodPost, "/calls/"+res.LocalID+"/dtmf-callback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"input"`)

	c, err = a.store.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.True(t, c.Verified)
	assert.Equal(t, 1, c.DTMFAttempts)

	body = `{"uuid":"` + res.ProviderCallID + `","status":"completed","duration":"42"}`
	req = httptest.NewRequest(http.MethodPost, "/calls/event-callback", strings.NewReader(body))
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	c, err = a.store.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCompleted, c.Status)
	require.NotNil(t, c.Duration)
	assert.Equal(t, 42, *c.Duration)
}

func TestWebhooks_UnknownCallSpeaksNotFound(t *testing.T) {
	a := newAPIHarness(t)

	w := a.do(http.MethodGet, "/calls/nope/answer-callback", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Call not found.")

	req := httptest.NewRequest(http.MethodPost, "/calls/event-callback", strings.NewReader(`{"uuid":"nope","status":"completed"}`))
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
