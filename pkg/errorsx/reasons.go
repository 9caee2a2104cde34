package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect             ReasonCode = "stt_connect"
	ReasonSTTSend                ReasonCode = "stt_send"
	ReasonSTTStream              ReasonCode = "stt_stream"
	ReasonSTTReconnectExhausted  ReasonCode = "stt_reconnect_exhausted"
	ReasonAudioSourceUnavailable ReasonCode = "audio_source_unavailable"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSynthesize  ReasonCode = "tts_synthesize"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMStream      ReasonCode = "llm_stream"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonPlayback       ReasonCode = "playback"
	ReasonTurnInProgress ReasonCode = "turn_in_progress"
	ReasonSessionClosed  ReasonCode = "session_closed"
	ReasonConfigInvalid  ReasonCode = "config_invalid"

	ReasonTransportUpgrade ReasonCode = "transport_upgrade"
	ReasonTransportSend    ReasonCode = "transport_send"
)

var fatalReasons = map[ReasonCode]struct{}{
	ReasonSTTReconnectExhausted:  {},
	ReasonAudioSourceUnavailable: {},
}

// IsFatal reports whether the error ends the session instead of degrading it.
func IsFatal(err error) bool {
	_, ok := fatalReasons[Reason(err)]
	return ok
}
