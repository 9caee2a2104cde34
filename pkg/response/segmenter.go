package response

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SentenceUnit is one speakable fragment of generated text, in emission order.
type SentenceUnit struct {
	Seq  int
	Text string
	// Final is set on the unit flushed at end of stream.
	Final bool
}

// Speakable reports whether the unit carries anything worth synthesizing.
func (u SentenceUnit) Speakable() bool {
	return strings.IndexFunc(u.Text, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// Segmenter splits a growing text stream on terminal punctuation. Units are
// never trimmed, so joining them in order yields the input exactly.
type Segmenter struct {
	buf strings.Builder
	seq int
}

// Push appends a chunk and returns every unit completed by it.
func (s *Segmenter) Push(chunk string) []SentenceUnit {
	if chunk == "" {
		return nil
	}
	s.buf.WriteString(chunk)
	text := s.buf.String()
	var out []SentenceUnit
	start := 0
	for {
		end := sentenceEnd(text[start:])
		if end < 0 {
			break
		}
		out = append(out, s.next(text[start:start+end], false))
		start += end
	}
	if start > 0 {
		rest := text[start:]
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
	return out
}

// Flush returns the unterminated remainder as a final unit, if any.
func (s *Segmenter) Flush() (SentenceUnit, bool) {
	rest := s.buf.String()
	s.buf.Reset()
	if rest == "" {
		return SentenceUnit{}, false
	}
	return s.next(rest, true), true
}

// Pending is the text buffered since the last emitted unit.
func (s *Segmenter) Pending() string { return s.buf.String() }

func (s *Segmenter) next(text string, final bool) SentenceUnit {
	u := SentenceUnit{Seq: s.seq, Text: text, Final: final}
	s.seq++
	return u
}

// sentenceEnd returns the byte offset just past the first sentence boundary in
// text, or -1. A boundary is a run of marks ("?!", "...") plus any closing
// quotes or brackets, followed by whitespace. Marks inside a token ("3.5",
// "example.com") do not split, and a run at the end of text waits for more
// input.
func sentenceEnd(text string) int {
	from := 0
	for {
		idx := strings.IndexAny(text[from:], ".?!")
		if idx < 0 {
			return -1
		}
		end := from + idx + 1
		for end < len(text) && strings.IndexByte(".?!\"')]", text[end]) >= 0 {
			end++
		}
		if end == len(text) {
			return -1
		}
		if r, _ := utf8.DecodeRuneInString(text[end:]); unicode.IsSpace(r) {
			return end
		}
		from = end
	}
}
