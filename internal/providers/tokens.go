package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/visiquate/cco-sub021/internal/core"
)

const fallbackEncoding = "cl100k_base"

var encoders sync.Map // encoding name -> *tiktoken.Tiktoken

// EstimateTokens counts tokens in text with the model's tiktoken encoding,
// falling back to cl100k_base for models tiktoken does not know. When no
// encoding can be loaded it estimates four characters per token.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

func encoderFor(model string) *tiktoken.Tiktoken {
	name := fallbackEncoding
	if n, ok := tiktoken.MODEL_TO_ENCODING[model]; ok {
		name = n
	}
	if v, ok := encoders.Load(name); ok {
		enc, _ := v.(*tiktoken.Tiktoken)
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// Cache the miss so an offline host does not retry the download per call.
		encoders.Store(name, (*tiktoken.Tiktoken)(nil))
		return nil
	}
	encoders.Store(name, enc)
	return enc
}

// EstimateUsage approximates usage for a stream that ended without reporting it.
// Prompt tokens cover the system prompt and every message.
func EstimateUsage(model string, req *core.Request, output string) core.Usage {
	in := EstimateTokens(model, req.System)
	for _, m := range req.Messages {
		in += EstimateTokens(model, m.Content)
	}
	return core.Usage{InputTokens: in, OutputTokens: EstimateTokens(model, output)}
}
