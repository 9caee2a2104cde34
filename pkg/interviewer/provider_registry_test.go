package interviewer

import (
	"errors"
	"testing"

	"github.com/harunnryd/interviewer/pkg/configutil"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/llm"
	"github.com/harunnryd/interviewer/pkg/providers/elevenlabs"
	"github.com/harunnryd/interviewer/pkg/providers/mock"
)

func mockConfig() Config {
	return Config{
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "Mock", Settings: map[string]any{"transcripts": []any{"hello"}}},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: " mock ", Settings: map[string]any{"replies": []any{"Hi."}, "chunk_size": "4"}},
		},
		Transport: TransportConfig{SampleRate: 16000},
	}
}

func TestRegistryBuildsMockProviders(t *testing.T) {
	p, err := DefaultProviderRegistry().Build(mockConfig(), BuildContext{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.STT == nil || p.STT("s1") == nil {
		t.Fatalf("expected stt factory")
	}
	if _, ok := p.TTS.(*mock.Synthesizer); !ok {
		t.Fatalf("expected mock synthesizer, got %T", p.TTS)
	}
	if _, ok := p.LLM.(*mock.LLMAdapter); !ok {
		t.Fatalf("expected mock llm, got %T", p.LLM)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	cfg := mockConfig()
	cfg.Vendors.LLM.Provider = "nonexistent"
	_, err := DefaultProviderRegistry().Build(cfg, BuildContext{})
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func TestRegistryValidatesSettings(t *testing.T) {
	cfg := mockConfig()
	cfg.Vendors.TTS = VendorConfig{Provider: "elevenlabs", Settings: map[string]any{"api_key": "k"}}
	_, err := DefaultProviderRegistry().Build(cfg, BuildContext{})
	var serr *configutil.SettingsError
	if !errors.As(err, &serr) || len(serr.Missing) != 1 || serr.Missing[0] != "voice_id" {
		t.Fatalf("expected missing voice_id, got %v", err)
	}
}

func TestRegistryWrapsOpenAIInBreaker(t *testing.T) {
	cfg := mockConfig()
	cfg.Vendors.TTS = VendorConfig{Provider: "elevenlabs", Settings: map[string]any{"api_key": "k", "voice_id": "v"}}
	cfg.Vendors.LLM = VendorConfig{Provider: "openai", Settings: map[string]any{"api_key": "sk", "circuit_threshold": 2}}
	p, err := DefaultProviderRegistry().Build(cfg, BuildContext{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := p.LLM.(*llm.CircuitBreakerAdapter); !ok {
		t.Fatalf("expected circuit breaker adapter, got %T", p.LLM)
	}
	if _, ok := p.TTS.(*elevenlabs.Synthesizer); !ok {
		t.Fatalf("expected elevenlabs synthesizer, got %T", p.TTS)
	}
}
