package budget

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens counts tokens with the cl100k_base encoding, falling back
// to a character heuristic when the encoding is unavailable.
func CountTokens(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateFast(text)
}

// estimateFast approximates tokens as max(runes/4, word count).
func estimateFast(text string) int {
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
