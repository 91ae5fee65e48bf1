package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

func encodingForModel(model string) *tiktoken.Tiktoken {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model, fall back to cl100k_base.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			encodingCache[model] = nil
			return nil
		}
	}

	encodingCache[model] = enc
	return enc
}

// CountTokens counts tokens in text with the model's tokenizer. Falls back
// to a bytes/4 estimate when no tokenizer is available.
func CountTokens(model, text string) int {
	enc := encodingForModel(model)
	if enc == nil {
		return len(text) / 4
	}

	return len(enc.Encode(text, nil, nil))
}

// CountMessageTokens counts the tokens a message contributes to the prompt,
// including its tool-call arguments.
func CountMessageTokens(model string, msg Message) int {
	count := CountTokens(model, msg.Content)
	for _, call := range msg.ToolCalls {
		count += CountTokens(model, call.Function.Name)
		count += CountTokens(model, call.Function.Arguments)
	}

	// Per-message framing overhead.
	return count + 4
}
