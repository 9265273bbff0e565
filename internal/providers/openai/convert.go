package openai

import (
	"strings"

	"github.com/visiquate/cco-sub021/internal/core"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// oSeriesChatRequest is sent to reasoning models, which require
// max_completion_tokens and reject temperature.
type oSeriesChatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

// isOSeriesModel reports whether the model is an OpenAI o-series model (o1, o3, o4).
// Non-reasoning models like gpt-4o start with "gpt-", not "o".
func isOSeriesModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

// convertRequest translates the canonical request; the system prompt becomes
// the first message.
func convertRequest(req *core.Request, model string) any {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	if isOSeriesModel(model) {
		return &oSeriesChatRequest{Model: model, Messages: messages, MaxCompletionTokens: req.MaxTokens}
	}
	return &chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// toCore maps the first choice. prompt_tokens already includes cached tokens,
// which OpenAI bills at the cache-read rate; OpenAI has no cache-write charge.
func (r *chatResponse) toCore() *core.Response {
	choice := r.Choices[0]
	return &core.Response{
		ID:         r.ID,
		ModelUsed:  r.Model,
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: core.Usage{
			InputTokens:     r.Usage.PromptTokens,
			OutputTokens:    r.Usage.CompletionTokens,
			CacheReadTokens: r.Usage.PromptTokensDetails.CachedTokens,
		},
	}
}
