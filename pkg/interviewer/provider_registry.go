package interviewer

import (
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/interviewer/pkg/adapters/stt"
	"github.com/harunnryd/interviewer/pkg/adapters/tts"
	"github.com/harunnryd/interviewer/pkg/configutil"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/llm"
	"github.com/harunnryd/interviewer/pkg/metrics"
	"github.com/harunnryd/interviewer/pkg/providers/deepgram"
	"github.com/harunnryd/interviewer/pkg/providers/elevenlabs"
	"github.com/harunnryd/interviewer/pkg/providers/mock"
	"github.com/harunnryd/interviewer/pkg/providers/openai"
	"github.com/harunnryd/interviewer/pkg/resilience"
)

// BuildContext carries shared collaborators into provider builders.
type BuildContext struct {
	Logger   *slog.Logger
	Observer metrics.Observer
}

type STTFactoryBuilder func(cfg VendorConfig, sampleRate int, bc BuildContext) (stt.Factory, error)
type TTSBuilder func(cfg VendorConfig, sampleRate int, bc BuildContext) (tts.Synthesizer, error)
type LLMBuilder func(cfg VendorConfig, bc BuildContext) (llm.LLMAdapter, error)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	tts map[string]TTSBuilder
	llm map[string]LLMBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactoryBuilder),
		tts: make(map[string]TTSBuilder),
		llm: make(map[string]LLMBuilder),
	}
}

// DefaultProviderRegistry knows the bundled deepgram, elevenlabs, openai
// and mock providers.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgram)
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterTTS("elevenlabs", buildElevenLabs)
	r.RegisterTTS("mock", buildMockTTS)
	r.RegisterLLM("openai", buildOpenAI)
	r.RegisterLLM("mock", buildMockLLM)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTFactoryBuilder) {
	r.stt[providerKey(name)] = builder
}

func (r *ProviderRegistry) RegisterTTS(name string, builder TTSBuilder) {
	r.tts[providerKey(name)] = builder
}

func (r *ProviderRegistry) RegisterLLM(name string, builder LLMBuilder) {
	r.llm[providerKey(name)] = builder
}

// Providers are built once per process and shared by every session.
type Providers struct {
	STT stt.Factory
	TTS tts.Synthesizer
	LLM llm.LLMAdapter
}

func (r *ProviderRegistry) Build(cfg Config, bc BuildContext) (Providers, error) {
	if bc.Observer == nil {
		bc.Observer = metrics.NoopObserver{}
	}
	var p Providers
	sttBuild := r.stt[providerKey(cfg.Vendors.STT.Provider)]
	if sttBuild == nil {
		return p, errorsx.Errorf(errorsx.ReasonConfigInvalid, "stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	ttsBuild := r.tts[providerKey(cfg.Vendors.TTS.Provider)]
	if ttsBuild == nil {
		return p, errorsx.Errorf(errorsx.ReasonConfigInvalid, "tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	llmBuild := r.llm[providerKey(cfg.Vendors.LLM.Provider)]
	if llmBuild == nil {
		return p, errorsx.Errorf(errorsx.ReasonConfigInvalid, "llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}

	var err error
	if p.STT, err = sttBuild(cfg.Vendors.STT, cfg.Transport.SampleRate, bc); err != nil {
		return Providers{}, err
	}
	if p.TTS, err = ttsBuild(cfg.Vendors.TTS, cfg.Transport.SampleRate, bc); err != nil {
		return Providers{}, err
	}
	if p.LLM, err = llmBuild(cfg.Vendors.LLM, bc); err != nil {
		return Providers{}, err
	}
	return p, nil
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

func buildDeepgram(cfg VendorConfig, sampleRate int, bc BuildContext) (stt.Factory, error) {
	if err := configutil.ValidateSettings("vendors.stt.settings", cfg.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "interim", "vad_events", "smart_format", "utterance_end_ms"},
	}); err != nil {
		return nil, err
	}
	var s deepgramSettings
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return deepgram.NewFactory(deepgram.Config{
		APIKey:         s.APIKey,
		Model:          firstNonEmpty(s.Model, "nova-2"),
		Language:       firstNonEmpty(s.Language, "en-US"),
		SampleRate:     sampleRate,
		Encoding:       s.Encoding,
		Interim:        configutil.BoolValue(s.Interim, true),
		VADEvents:      configutil.BoolValue(s.VADEvents, true),
		SmartFormat:    configutil.BoolValue(s.SmartFormat, true),
		UtteranceEndMS: configutil.IntValue(s.UtteranceEndMS, 1000),
		Logger:         bc.Logger,
	}), nil
}

type elevenlabsSettings struct {
	APIKey       string   `mapstructure:"api_key"`
	VoiceID      string   `mapstructure:"voice_id"`
	ModelID      string   `mapstructure:"model_id"`
	OutputFormat string   `mapstructure:"output_format"`
	Stability    *float64 `mapstructure:"stability"`
	Similarity   *float64 `mapstructure:"similarity_boost"`
	BaseURL      string   `mapstructure:"base_url"`
}

func buildElevenLabs(cfg VendorConfig, sampleRate int, bc BuildContext) (tts.Synthesizer, error) {
	if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format", "stability", "similarity_boost", "base_url"},
	}); err != nil {
		return nil, err
	}
	var s elevenlabsSettings
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:       s.APIKey,
		VoiceID:      s.VoiceID,
		ModelID:      firstNonEmpty(s.ModelID, "eleven_turbo_v2_5"),
		OutputFormat: s.OutputFormat,
		SampleRate:   sampleRate,
		Stability:    configutil.FloatValue(s.Stability, 0.5),
		Similarity:   configutil.FloatValue(s.Similarity, 0.8),
		BaseURL:      s.BaseURL,
		Logger:       bc.Logger,
	}), nil
}

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
}

func buildOpenAI(cfg VendorConfig, bc BuildContext) (llm.LLMAdapter, error) {
	if err := configutil.ValidateSettings("vendors.llm.settings", cfg.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
	}); err != nil {
		return nil, err
	}
	var s openAISettings
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	adapter := openai.NewAdapter(s.APIKey, firstNonEmpty(s.Model, "gpt-4o-mini"))
	if s.BaseURL != "" {
		adapter.BaseURL = s.BaseURL
	}
	if !configutil.BoolValue(s.UseCircuitBreaker, true) {
		return adapter, nil
	}
	threshold := s.CircuitThreshold
	if threshold <= 0 {
		threshold = 3
	}
	breaker := resilience.NewCircuitBreaker(threshold, configutil.Millis(s.CircuitCooldownMs, 30*time.Second))
	wrapped := llm.NewCircuitBreakerAdapter(adapter, breaker)
	wrapped.SetObserver(bc.Observer)
	return wrapped, nil
}

type mockSTTSettings struct {
	Transcripts        []string `mapstructure:"transcripts"`
	FramesPerUtterance int      `mapstructure:"frames_per_utterance"`
	EmitInterim        *bool    `mapstructure:"emit_interim"`
}

func buildMockSTT(cfg VendorConfig, _ int, _ BuildContext) (stt.Factory, error) {
	if err := configutil.ValidateSettings("vendors.stt.settings", cfg.Settings, configutil.Schema{
		Optional: []string{"transcripts", "frames_per_utterance", "emit_interim"},
	}); err != nil {
		return nil, err
	}
	var s mockSTTSettings
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return mock.NewSTTFactory(mock.STTConfig{
		Transcripts:        s.Transcripts,
		FramesPerUtterance: s.FramesPerUtterance,
		EmitInterim:        configutil.BoolValue(s.EmitInterim, true),
	}), nil
}

type mockTTSSettings struct {
	MsPerChar int `mapstructure:"ms_per_char"`
	LatencyMS int `mapstructure:"latency_ms"`
}

func buildMockTTS(cfg VendorConfig, sampleRate int, _ BuildContext) (tts.Synthesizer, error) {
	if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Settings, configutil.Schema{
		Optional: []string{"ms_per_char", "latency_ms"},
	}); err != nil {
		return nil, err
	}
	var s mockTTSSettings
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return mock.NewTTS(mock.TTSConfig{
		SampleRate: sampleRate,
		MsPerChar:  s.MsPerChar,
		Latency:    configutil.Millis(s.LatencyMS, 0),
	}), nil
}

type mockLLMSettings struct {
	Replies      []string `mapstructure:"replies"`
	ChunkSize    int      `mapstructure:"chunk_size"`
	ChunkDelayMS int      `mapstructure:"chunk_delay_ms"`
}

func buildMockLLM(cfg VendorConfig, _ BuildContext) (llm.LLMAdapter, error) {
	if err := configutil.ValidateSettings("vendors.llm.settings", cfg.Settings, configutil.Schema{
		Optional: []string{"replies", "chunk_size", "chunk_delay_ms"},
	}); err != nil {
		return nil, err
	}
	var s mockLLMSettings
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(mock.LLMConfig{
		Replies:    s.Replies,
		ChunkSize:  s.ChunkSize,
		ChunkDelay: configutil.Millis(s.ChunkDelayMS, 0),
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
