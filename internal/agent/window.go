package agent

import (
	"github.com/helmsman-ops/helmsman/pkg/llm"
)

// slidingWindow trims the message list to the token budget: the leading
// system message always survives, then the newest messages that fit. The
// newest message is kept even when it alone exceeds the budget.
func slidingWindow(model string, messages []llm.Message, budget int) []llm.Message {
	if budget <= 0 || len(messages) == 0 {
		return messages
	}

	var system []llm.Message
	rest := messages
	if messages[0].Role == llm.RoleSystem {
		system = messages[:1]
		rest = messages[1:]
	}

	if len(rest) == 0 {
		return messages
	}

	total := 0
	for _, msg := range system {
		total += llm.CountMessageTokens(model, msg)
	}

	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := llm.CountMessageTokens(model, rest[i])
		if total+cost > budget && start < len(rest) {
			break
		}
		total += cost
		start = i
	}

	return append(append([]llm.Message{}, system...), rest[start:]...)
}
