package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/interviewer/pkg/adapters/tts"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/logging"
	"github.com/harunnryd/interviewer/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	Stability    float64
	Similarity   float64
	// BaseURL overrides the websocket endpoint host.
	BaseURL string
	Logger  *slog.Logger
}

// Synthesizer voices one sentence per stream-input websocket session.
type Synthesizer struct {
	cfg     Config
	dialer  websocket.Dialer
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

type inbound struct {
	Audio      string `json:"audio"`
	IsFinal    bool   `json:"isFinal"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Alignment  any    `json:"alignment"`
	AudioB64   string `json:"audio_base_64"`
	AudioB64v2 string `json:"audio_base64"`
}

func New(cfg Config) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_" + strconv.Itoa(cfg.SampleRate)
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Synthesizer{
		cfg:     cfg,
		dialer:  websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:  logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

// Synthesize opens a stream-input session, sends the sentence and collects
// audio until the final message. Cancelling ctx closes the socket.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (tts.Clip, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return tts.Clip{}, errorsx.New(errorsx.ReasonConfigInvalid, "missing elevenlabs config")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return tts.Clip{}, nil
	}
	if !s.breaker.Allow() {
		return tts.Clip{}, errorsx.Wrap(resilience.RateLimitError{Provider: "elevenlabs", Message: "circuit open"}, errorsx.ReasonTTSCircuitOpen)
	}

	clip, err := s.synthesize(ctx, text, req)
	if err != nil {
		if ctx.Err() == nil {
			s.breaker.OnError(err)
		}
		return tts.Clip{}, err
	}
	s.breaker.OnSuccess()
	return clip, nil
}

func (s *Synthesizer) synthesize(ctx context.Context, text string, req tts.Request) (tts.Clip, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.buildURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Warn("elevenlabs_rate_limited", slog.String("status", resp.Status))
			return tts.Clip{}, errorsx.Wrap(resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}, errorsx.ReasonTTSRateLimit)
		}
		return tts.Clip{}, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()
	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	for _, msg := range s.messages(text, req) {
		if err := conn.WriteJSON(msg); err != nil {
			return tts.Clip{}, s.contextErr(ctx, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize))
		}
	}

	var audio bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && audio.Len() > 0 {
				break
			}
			return tts.Clip{}, s.contextErr(ctx, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize))
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("elevenlabs_unparsed_message", slog.Int("bytes", len(data)))
			continue
		}
		if msg.Error != "" {
			return tts.Clip{}, errorsx.Wrap(&tts.SynthesisError{
				Provider: "elevenlabs",
				Code:     msg.Error,
				Message:  msg.Message,
			}, errorsx.ReasonTTSSynthesize)
		}
		if chunk := firstNonEmpty(msg.Audio, msg.AudioB64, msg.AudioB64v2); chunk != "" {
			raw, err := base64.StdEncoding.DecodeString(chunk)
			if err != nil {
				s.logger.Warn("elevenlabs_audio_decode_error", slog.String("error", err.Error()))
				continue
			}
			audio.Write(raw)
		}
		if msg.IsFinal {
			break
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return tts.Clip{
		Audio:      audio.Bytes(),
		Format:     s.cfg.OutputFormat,
		SampleRate: s.cfg.SampleRate,
		Duration:   s.duration(audio.Len()),
	}, nil
}

// messages builds the init, text and end-of-input messages of one session.
func (s *Synthesizer) messages(text string, req tts.Request) []map[string]any {
	voice := map[string]any{
		"stability":        s.cfg.Stability,
		"similarity_boost": s.cfg.Similarity,
	}
	if req.Speed > 0 {
		voice["speed"] = req.Speed
	}
	if v, err := strconv.ParseFloat(req.Style, 64); err == nil {
		voice["style"] = v
	}
	return []map[string]any{
		{
			"text":           " ",
			"voice_settings": voice,
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
}

func (s *Synthesizer) buildURL() string {
	base := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *Synthesizer) duration(n int) time.Duration {
	if strings.HasPrefix(s.cfg.OutputFormat, "pcm") {
		return tts.EstimateDuration(n, s.cfg.SampleRate)
	}
	return 0
}

func (s *Synthesizer) contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
