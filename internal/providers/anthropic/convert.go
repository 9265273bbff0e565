package anthropic

import (
	"strings"

	"github.com/visiquate/cco-sub021/internal/core"
)

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	// System is a plain string, or a block list when it carries cache_control.
	System any  `json:"system,omitempty"`
	Stream bool `json:"stream,omitempty"`
}

type message struct {
	Role string `json:"role"`
	// Content is a plain string, or a block list when it carries cache_control.
	Content any `json:"content"`
}

type textBlock struct {
	Type         string             `json:"type"`
	Text         string             `json:"text"`
	CacheControl *core.CacheControl `json:"cache_control,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      apiUsage       `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// canonical folds Anthropic's split input accounting into the canonical shape,
// where input covers every prompt token including cached ones.
func (u apiUsage) canonical() core.Usage {
	return core.Usage{
		InputTokens:      u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens,
		OutputTokens:     u.OutputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
	}
}

func (r *messagesResponse) toCore() *core.Response {
	var text strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &core.Response{
		ID:         r.ID,
		ModelUsed:  r.Model,
		Content:    text.String(),
		Usage:      r.Usage.canonical(),
		StopReason: r.StopReason,
	}
}

// convertRequest translates the canonical request. System-role messages are
// folded into the system prompt; any other role that is not assistant is sent
// as user. A cache_control hint is attached to the system prompt, or to the
// last message when there is no system prompt.
func (p *Provider) convertRequest(req *core.Request, stream bool) *messagesRequest {
	out := &messagesRequest{
		Model:       p.settings.ResolveModel(req.Model),
		Messages:    make([]message, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			out.Messages = append(out.Messages, message{Role: "assistant", Content: m.Content})
		default:
			out.Messages = append(out.Messages, message{Role: "user", Content: m.Content})
		}
	}

	systemText := strings.Join(system, "\n\n")
	switch {
	case req.CacheControl != nil && systemText != "":
		out.System = []textBlock{{Type: "text", Text: systemText, CacheControl: req.CacheControl}}
	case req.CacheControl != nil && len(out.Messages) > 0:
		last := &out.Messages[len(out.Messages)-1]
		text, _ := last.Content.(string)
		last.Content = []textBlock{{Type: "text", Text: text, CacheControl: req.CacheControl}}
	case systemText != "":
		out.System = systemText
	}
	return out
}
