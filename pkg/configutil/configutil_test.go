package configutil

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/interviewer/pkg/errorsx"
)

func TestValidateSettings(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"voice_id"}}
	cases := []struct {
		name    string
		input   map[string]any
		missing []string
		unknown []string
	}{
		{name: "ok", input: map[string]any{"API-KEY": "k", "voiceId": "v"}},
		{name: "blank required", input: map[string]any{"api_key": "  "}, missing: []string{"api_key"}},
		{name: "absent required", input: map[string]any{"voice_id": "v"}, missing: []string{"api_key"}},
		{name: "unknown key", input: map[string]any{"api_key": "k", "pitch": 2}, unknown: []string{"pitch"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSettings("vendors.tts.settings", tc.input, schema)
			if tc.missing == nil && tc.unknown == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var serr *SettingsError
			if !errors.As(err, &serr) {
				t.Fatalf("expected SettingsError, got %v", err)
			}
			if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
				t.Fatalf("expected config_invalid reason, got %s", errorsx.Reason(err))
			}
			if len(serr.Missing) != len(tc.missing) || len(serr.Unknown) != len(tc.unknown) {
				t.Fatalf("got missing=%v unknown=%v", serr.Missing, serr.Unknown)
			}
		})
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	err := ValidateSettings("x", map[string]any{"anything": 1}, Schema{AllowUnknown: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeSettings(t *testing.T) {
	var out struct {
		APIKey     string   `mapstructure:"api_key"`
		SampleRate int      `mapstructure:"sample_rate"`
		Stability  *float64 `mapstructure:"stability"`
		Interim    *bool    `mapstructure:"interim"`
	}
	err := DecodeSettings(map[string]any{
		"api-key":    "secret",
		"SampleRate": "16000",
		"stability":  0.4,
		"interim":    "false",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "secret" || out.SampleRate != 16000 {
		t.Fatalf("unexpected decode: %+v", out)
	}
	if FloatValue(out.Stability, 1) != 0.4 || BoolValue(out.Interim, true) {
		t.Fatalf("unexpected pointer fields")
	}
}

func TestFallbackHelpers(t *testing.T) {
	if IntValue(nil, 3) != 3 || FloatValue(nil, 0.5) != 0.5 || !BoolValue(nil, true) {
		t.Fatalf("nil fallbacks not applied")
	}
	if Millis(0, time.Second) != time.Second {
		t.Fatalf("expected fallback for zero ms")
	}
	if Millis(250, time.Second) != 250*time.Millisecond {
		t.Fatalf("expected 250ms")
	}
	if err := RequireString(" ", "vendors.llm.settings.model"); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}
