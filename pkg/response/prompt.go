package response

import (
	"fmt"
	"strings"

	"github.com/harunnryd/interviewer/pkg/conversation"
	"github.com/harunnryd/interviewer/pkg/llm"
)

// SessionParams are read-only interview settings supplied by the caller.
type SessionParams struct {
	JobRole         string `mapstructure:"job_role"`
	ExperienceLevel string `mapstructure:"experience_level"`
	Style           string `mapstructure:"style"`
	Focus           string `mapstructure:"focus"`
	JobDescription  string `mapstructure:"job_description"`
	// BasePrompt replaces the built-in interviewer persona when set.
	BasePrompt string `mapstructure:"base_prompt"`
	// MaxSentences bounds each reply; zero leaves it to the model.
	MaxSentences int `mapstructure:"max_sentences"`
}

const defaultPersona = "You are a professional job interviewer conducting a live spoken interview. " +
	"Ask one question at a time, react briefly to the candidate's answer, and keep replies conversational. " +
	"Never use lists, markdown or emoji since everything you write is read aloud."

const openingInstruction = "The candidate has just joined. Greet them briefly and ask your first question."

// BuildPrompt turns the session parameters and turn history into a chat request.
func BuildPrompt(params SessionParams, history []conversation.Turn) llm.Context {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt(params)})
	if len(history) == 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: openingInstruction})
	}
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch t.Role {
		case conversation.RoleInterviewer:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: text})
		case conversation.RoleCandidate:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
		}
	}
	return llm.Context{Messages: msgs}
}

func systemPrompt(p SessionParams) string {
	var b strings.Builder
	if base := strings.TrimSpace(p.BasePrompt); base != "" {
		b.WriteString(base)
	} else {
		b.WriteString(defaultPersona)
	}
	writeLine := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			fmt.Fprintf(&b, "\n%s: %s", label, value)
		}
	}
	writeLine("Role being interviewed for", p.JobRole)
	writeLine("Candidate experience level", p.ExperienceLevel)
	writeLine("Interview style", p.Style)
	writeLine("Focus areas", p.Focus)
	writeLine("Job description", p.JobDescription)
	if p.MaxSentences > 0 {
		fmt.Fprintf(&b, "\nKeep each reply under %d sentences.", p.MaxSentences)
	}
	return b.String()
}
