package turn

// State is the single authoritative engine state.
type State int

const (
	StateIdle State = iota
	StateListeningToUser
	StateGenerating
	StateSpeaking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListeningToUser:
		return "LISTENING_TO_USER"
	case StateGenerating:
		return "GENERATING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Status is the externally observable projection of a State.
type Status struct {
	State          State `json:"-"`
	IsUserSpeaking bool  `json:"is_user_speaking"`
	IsAISpeaking   bool  `json:"is_ai_speaking"`
	IsGenerating   bool  `json:"is_generating"`
}

// StatusOf derives the status flags from s. The AI counts as speaking while
// it is generating too.
func StatusOf(s State) Status {
	return Status{
		State:          s,
		IsUserSpeaking: s == StateListeningToUser,
		IsAISpeaking:   s == StateGenerating || s == StateSpeaking,
		IsGenerating:   s == StateGenerating,
	}
}
