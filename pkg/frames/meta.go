package frames

const (
	MetaSessionID  = "session_id"
	MetaTraceID    = "trace_id"
	MetaSource     = "source"
	MetaIsFinal    = "is_final"
	MetaConfidence = "confidence"
	MetaReason     = "reason"
	MetaError      = "error"
	MetaEncoding   = "encoding"
	MetaResultID   = "result_id"
)
