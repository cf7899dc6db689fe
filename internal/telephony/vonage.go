package telephony

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

// VonageConfig carries the Voice API application credentials.
type VonageConfig struct {
	ApplicationID string
	// PrivateKey is the application's PEM encoded RSA key.
	PrivateKey string
	FromNumber string
	APIBaseURL string
	// PublicBaseURL is where Vonage reaches this service's callbacks.
	PublicBaseURL string

	TokenTTL time.Duration

	// Circuit breaker tuning.
	BreakerInterval            time.Duration
	BreakerOpenTimeout         time.Duration
	BreakerConsecutiveFailures uint32
}

func (c VonageConfig) withDefaults() VonageConfig {
	out := c
	if out.APIBaseURL == "" {
		out.APIBaseURL = "https://api.nexmo.com"
	}
	out.APIBaseURL = strings.TrimRight(out.APIBaseURL, "/")
	out.PublicBaseURL = strings.TrimRight(out.PublicBaseURL, "/")
	if out.TokenTTL <= 0 {
		out.TokenTTL = 15 * time.Minute
	}
	if out.BreakerInterval <= 0 {
		out.BreakerInterval = time.Minute
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = 30 * time.Second
	}
	if out.BreakerConsecutiveFailures == 0 {
		out.BreakerConsecutiveFailures = 5
	}
	return out
}

// APIError is a non-2xx answer from the Vonage REST API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vonage: http %d: %s", e.StatusCode, e.Body)
}

// VonageClient places outbound calls through the Vonage Voice API.
// Calls go through a circuit breaker so a failing provider is rejected fast.

type VonageClient struct {
	cfg     VonageConfig
	key     *rsa.PrivateKey
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[string]
	log     *slog.Logger
	now     func() time.Time
}

func NewVonageClient(cfg VonageConfig, httpClient *http.Client, log *slog.Logger) (*VonageClient, error) {
	cfg = cfg.withDefaults()
	if cfg.ApplicationID == "" {
		return nil, errors.New("telephony: vonage application id required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("telephony: vonage from number required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("telephony: public base url required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("telephony: parse vonage private key: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	c := &VonageClient{cfg: cfg, key: key, http: httpClient, log: log, now: time.Now}
	c.breaker = newBreaker(cfg, log)
	return c, nil
}

func newBreaker(cfg VonageConfig, log *slog.Logger) *gobreaker.CircuitBreaker[string] {
	settings := gobreaker.Settings{
		Name:     "vonage",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
		// Rejected requests mean the provider is up; only transport and 5xx errors trip.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", "service", name, "from", from.String(), "to", to.String())
		},
	}
	return gobreaker.NewCircuitBreaker[string](settings)
}

func (c *VonageClient) Name() string { return "vonage" }

// HealthCheck reports an open circuit as unhealthy.
func (c *VonageClient) HealthCheck(ctx context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return errors.New("vonage: circuit open")
	}
	return nil
}

// AnswerURL is the URL Vonage fetches the first NCCO from.
func (c *VonageClient) AnswerURL(callID string) string {
	return c.cfg.PublicBaseURL + "/calls/" + callID + "/answer-callback"
}

// EventURL receives call status events.
func (c *VonageClient) EventURL() string {
	return c.cfg.PublicBaseURL + "/calls/event-callback"
}

func (c *VonageClient) appToken() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"application_id": c.cfg.ApplicationID,
		"iat":            now.Unix(),
		"exp":            now.Add(c.cfg.TokenTTL).Unix(),
		"jti":            uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

type createCallRequest struct {
	To           []phoneEndpoint `json:"to"`
	From         phoneEndpoint   `json:"from"`
	AnswerURL    []string        `json:"answer_url"`
	AnswerMethod string          `json:"answer_method"`
	EventURL     []string        `json:"event_url"`
	EventMethod  string          `json:"event_method"`
}

type phoneEndpoint struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type createCallResponse struct {
	UUID             string `json:"uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	ConversationUUID string `json:"conversation_uuid"`
}

func (c *VonageClient) PlaceCall(ctx context.Context, callID, to string) (string, error) {
	number := normalizeNumber(to)
	if callID == "" || number == "" {
		return "", errors.New("telephony: call id and destination required")
	}

	id, err := c.breaker.Execute(func() (string, error) {
		return c.createCall(ctx, callID, number)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("vonage unavailable: %w", err)
		}
		return "", err
	}
	return id, nil
}

func (c *VonageClient) createCall(ctx context.Context, callID, number string) (string, error) {
	token, err := c.appToken()
	if err != nil {
		return "", fmt.Errorf("vonage: sign token: %w", err)
	}
	body, err := json.Marshal(createCallRequest{
		To:           []phoneEndpoint{{Type: "phone", Number: number}},
		From:         phoneEndpoint{Type: "phone", Number: normalizeNumber(c.cfg.FromNumber)},
		AnswerURL:    []string{c.AnswerURL(callID)},
		AnswerMethod: http.MethodGet,
		EventURL:     []string{c.EventURL()},
		EventMethod:  http.MethodPost,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("vonage: create call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("vonage: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var out createCallResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("vonage: decode response: %w", err)
	}
	if out.UUID == "" {
		return "", errors.New("vonage: response missing call uuid")
	}
	c.log.Info("vonage call created",
		"call_id", callID,
		"provider_call_id", out.UUID,
		"status", out.Status,
		"elapsed_ms", c.now().Sub(start).Milliseconds(),
	)
	return out.UUID, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
