package agent

import (
	"context"
	"strings"
	"unicode"

	"agentrelay/internal/protocol"
)

// KeywordRouter picks the agent whose name, description and skills share
// the most words with the message. Words shorter than MinWordLen are
// ignored. Ties go to the earlier agent; no overlap selects Fallback,
// which may be empty for none.
type KeywordRouter struct {
	MinWordLen int
	Fallback   string
}

func (r KeywordRouter) Route(_ context.Context, message string, agents []protocol.AgentCard) (string, error) {
	minLen := r.MinWordLen
	if minLen <= 0 {
		minLen = 4
	}
	msg := words(message, minLen)
	best, bestScore := r.Fallback, 0
	for _, card := range agents {
		vocab := words(card.Name+" "+card.Description, minLen)
		for _, sk := range card.Skills {
			for w := range words(strings.ReplaceAll(sk.Name, "_", " ")+" "+sk.Description, minLen) {
				vocab[w] = struct{}{}
			}
		}
		score := 0
		for w := range msg {
			if _, ok := vocab[w]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = card.Name, score
		}
	}
	return best, nil
}

func words(s string, minLen int) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= minLen {
			out[w] = struct{}{}
		}
	}
	return out
}
