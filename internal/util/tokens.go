// Package util holds small shared helpers.
package util

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/translator/ir"
)

const (
	// fallbackBytesPerToken approximates token counts when the tokenizer
	// is unavailable. Four bytes per token tracks English prose closely
	// enough for accounting purposes.
	fallbackBytesPerToken = 4

	// perTurnOverhead charges each turn for its role framing.
	perTurnOverhead = 4
)

var getCodec = sync.OnceValue(func() tokenizer.Codec {
	codec, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		log.Warnf("tokenizer unavailable, falling back to byte estimate: %v", err)
		return nil
	}
	return codec
})

// EstimateTokens approximates the token count of text. Used for usage
// accounting when the backend does not report token counts itself.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	if codec := getCodec(); codec != nil {
		if n, err := codec.Count(text); err == nil {
			return int64(n)
		}
	}
	return int64((len(text) + fallbackBytesPerToken - 1) / fallbackBytesPerToken)
}

// EstimateTurnTokens approximates the prompt-side token count of a turn
// history.
func EstimateTurnTokens(turns []ir.Turn) int64 {
	var total int64
	for _, t := range turns {
		total += EstimateTokens(t.Content) + perTurnOverhead
	}
	return total
}
