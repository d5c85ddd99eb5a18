package conversation

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func initEncoding() {
	encodingOnce.Do(func() {
		// cl100k_base covers the model families the kernel talks to.
		// Initialization can fail offline; we fall back to a heuristic.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// CountTokens returns the token count of text under cl100k_base, or a
// character heuristic when the encoding is unavailable.
func CountTokens(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens is the heuristic fallback: max(runes/4, words).
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// CountPromptTokens totals the token footprint of one request's
// messages, including tool call arguments. Used to budget the prompt
// window and to estimate usage when a provider reports none.
func CountPromptTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += CountTokens(m.Content)
		total += CountTokens(m.Reasoning)
		for _, c := range m.ToolCalls {
			total += CountTokens(c.Name)
			total += CountTokens(string(c.Args))
		}
		// Rough per-message framing overhead.
		total += 4
	}
	return total
}

// CountMessageTokens is CountPromptTokens over a stored history slice.
func CountMessageTokens(history []Stored) int {
	total := 0
	for _, st := range history {
		total += CountPromptTokens([]Message{st.Message})
	}
	return total
}
