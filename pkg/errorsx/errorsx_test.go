package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonLLMStream)
	if Reason(err) != ReasonLLMStream {
		t.Fatalf("expected reason %s, got %s", ReasonLLMStream, Reason(err))
	}
	if !HasReason(err, ReasonLLMStream) {
		t.Fatalf("expected HasReason true")
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected wrapped error to unwrap")
	}
}

func TestWrapPreservesInnerReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(fmt.Errorf("reconnect: %w", first), ReasonSTTConnect)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonPlayback) != nil {
		t.Fatalf("expected nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

func TestAudioSourceReasonCode(t *testing.T) {
	err := New(ReasonAudioSourceUnavailable, "mic off")
	if got := string(Reason(err)); got != "audio_source_unavailable" {
		t.Fatalf("unexpected reason code %q", got)
	}
}

func TestIsFatal(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New(ReasonSTTReconnectExhausted, "gave up"), true},
		{Errorf(ReasonAudioSourceUnavailable, "mic %s", "off"), true},
		{New(ReasonTTSSynthesize, "bad voice"), false},
		{assertErr{}, false},
	}
	for _, tc := range cases {
		if got := IsFatal(tc.err); got != tc.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
