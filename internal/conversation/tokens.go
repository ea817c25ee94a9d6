package conversation

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the role and framing tokens providers add
// around each message.
const perMessageOverhead = 4

// TokenCounter estimates how many tokens a piece of text costs.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter assumes roughly four characters per token.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding, cl100k_base when empty.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (t *TiktokenCounter) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// MessageTokens returns the estimated cost of msg including framing and any
// tool-call arguments it carries.
func MessageTokens(msg Message, counter TokenCounter) int {
	n := perMessageOverhead + counter.Count(msg.Content)
	for _, call := range msg.ToolCalls {
		n += counter.Count(call.Name) + counter.Count(string(call.Arguments))
	}
	return n
}

// NewCounter picks a counter by name. "tiktoken" loads cl100k_base; anything
// else is the heuristic counter.
func NewCounter(kind string) (TokenCounter, error) {
	switch kind {
	case "tiktoken":
		return NewTiktokenCounter("")
	case "", "heuristic":
		return HeuristicCounter{}, nil
	default:
		return nil, fmt.Errorf("unknown token counter %q", kind)
	}
}
