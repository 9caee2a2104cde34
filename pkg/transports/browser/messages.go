package browser

import (
	"github.com/harunnryd/interviewer/pkg/conversation"
	"github.com/harunnryd/interviewer/pkg/response"
)

// Inbound message types. Binary websocket messages carry PCM16 audio.
const (
	MsgStart        = "start"
	MsgMute         = "mute"
	MsgReset        = "reset"
	MsgPlaybackDone = "playback_done"
	MsgEnd          = "end"
)

// Outbound message types.
const (
	MsgSession    = "session"
	MsgAudio      = "audio"
	MsgStop       = "stop"
	MsgClear      = "clear"
	MsgTranscript = "transcript"
	MsgStatus     = "status"
	MsgTurn       = "turn"
	MsgError      = "error"
	MsgEnded      = "ended"
)

// ClientMessage is any JSON control message sent by the browser.
type ClientMessage struct {
	Type   string       `json:"type"`
	Params *StartParams `json:"params,omitempty"`
	Muted  bool         `json:"muted,omitempty"`
	ID     uint64       `json:"id,omitempty"`
}

// StartParams are the interview settings chosen in the browser. Empty fields
// keep the server defaults.
type StartParams struct {
	JobRole         string `json:"job_role"`
	ExperienceLevel string `json:"experience_level"`
	Style           string `json:"style"`
	Focus           string `json:"focus"`
	JobDescription  string `json:"job_description"`
}

func (p *StartParams) merge(base response.SessionParams) response.SessionParams {
	if p == nil {
		return base
	}
	if p.JobRole != "" {
		base.JobRole = p.JobRole
	}
	if p.ExperienceLevel != "" {
		base.ExperienceLevel = p.ExperienceLevel
	}
	if p.Style != "" {
		base.Style = p.Style
	}
	if p.Focus != "" {
		base.Focus = p.Focus
	}
	if p.JobDescription != "" {
		base.JobDescription = p.JobDescription
	}
	return base
}

type sessionMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
}

// audioMessage announces the binary message that follows it.
type audioMessage struct {
	Type       string `json:"type"`
	ID         uint64 `json:"id"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	DurationMS int64  `json:"duration_ms"`
}

type stopMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

type clearMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type transcriptMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type statusMessage struct {
	Type           string `json:"type"`
	State          string `json:"state"`
	IsUserSpeaking bool   `json:"is_user_speaking"`
	IsAISpeaking   bool   `json:"is_ai_speaking"`
	IsGenerating   bool   `json:"is_generating"`
}

type turnMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type endedMessage struct {
	Type  string        `json:"type"`
	Turns []turnMessage `json:"turns"`
}

func newTurnMessage(t conversation.Turn) turnMessage {
	return turnMessage{
		Type:        MsgTurn,
		ID:          t.ID,
		Role:        string(t.Role),
		Text:        t.Text,
		Interrupted: t.Interrupted,
	}
}
