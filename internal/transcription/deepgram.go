package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

	dgWriteWait    = 10 * time.Second
	dgCloseTimeout = 5 * time.Second
)

// DeepgramConfig configures live streaming recognition.
type DeepgramConfig struct {
	APIKey  string
	Model   string
	BaseURL string

	Encoding   string
	SampleRate int
	Channels   int
}

func (c DeepgramConfig) withDefaults() DeepgramConfig {
	out := c
	if out.Model == "" {
		out.Model = "nova-2"
	}
	if out.BaseURL == "" {
		out.BaseURL = DefaultDeepgramURL
	}
	if out.Encoding == "" {
		out.Encoding = "linear16"
	}
	if out.SampleRate <= 0 {
		out.SampleRate = 16000
	}
	if out.Channels <= 0 {
		out.Channels = 1
	}
	return out
}

// DeepgramClient opens Deepgram live transcription websockets.

type DeepgramClient struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewDeepgramClient(cfg DeepgramConfig, log *slog.Logger) (*DeepgramClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("transcription: deepgram api key required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &DeepgramClient{
		cfg: cfg.withDefaults(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		log: log,
	}, nil
}

func (d *DeepgramClient) listenURL(language string) (string, error) {
	u, err := url.Parse(d.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	if language != "" {
		q.Set("language", language)
	}
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", d.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(d.cfg.Channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *DeepgramClient) Open(ctx context.Context, language string, onFragment func(Fragment)) (Stream, error) {
	target, err := d.listenURL(language)
	if err != nil {
		return nil, fmt.Errorf("transcription: listen url: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transcription: deepgram dial: http %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transcription: deepgram dial: %w", err)
	}

	s := &deepgramStream{conn: conn, log: d.log, done: make(chan struct{})}
	go s.readLoop(onFragment)
	return s, nil
}

type deepgramStream struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

type dgResult struct {
	Type    string `json:"type"`
	IsFinal *bool  `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence *float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) readLoop(onFragment func(Fragment)) {
	defer close(s.done)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.log.Debug("deepgram stream ended", "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var res dgResult
		if err := json.Unmarshal(data, &res); err != nil {
			s.log.Warn("deepgram message decode failed", "err", err)
			continue
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		final := res.IsFinal == nil || *res.IsFinal
		if text == "" || !final || onFragment == nil {
			continue
		}
		onFragment(Fragment{Text: text, Confidence: alt.Confidence, Final: true})
	}
}

func (s *deepgramStream) Send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errors.New("transcription: stream closed")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(dgWriteWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// Close asks Deepgram to flush pending results, waits for them briefly and
// closes the socket.
func (s *deepgramStream) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.conn.SetWriteDeadline(time.Now().Add(dgWriteWait))
	err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.writeMu.Unlock()

	select {
	case <-s.done:
	case <-time.After(dgCloseTimeout):
	}
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
