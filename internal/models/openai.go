package models

import (
	"encoding/json"
	"strings"
)

// ChatMessage is a single message of an OpenAI chat-completion request.
// Content is either a string or an array of typed parts; unknown shapes
// are preserved as raw JSON so the body passes through untouched.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Text returns the plain-text content of the message. Array-of-parts
// content concatenates the text parts; non-text parts are skipped.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ChatRequest is the validated view of an inbound chat-completion body.
// The raw body map is carried separately so arbitrary fields survive the
// round trip to the upstream.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// LastUserText returns the text of the most recent user message.
func (r *ChatRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// UserHistory returns the text of the last n user messages in order.
func (r *ChatRequest) UserHistory(n int) []string {
	var texts []string
	for _, m := range r.Messages {
		if m.Role == "user" {
			texts = append(texts, m.Text())
		}
	}
	if len(texts) > n {
		texts = texts[len(texts)-n:]
	}
	return texts
}

// Usage is the upstream-reported token accounting. The Anthropic-style
// input/output keys are accepted as aliases when parsing.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// usageWire tolerates both OpenAI and v1-messages/v1-response key names.
type usageWire struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
	InputTokens      *int `json:"input_tokens"`
	OutputTokens     *int `json:"output_tokens"`
}

func (w *usageWire) toUsage() *Usage {
	if w == nil {
		return nil
	}
	u := &Usage{}
	switch {
	case w.PromptTokens != nil || w.CompletionTokens != nil:
		if w.PromptTokens != nil {
			u.PromptTokens = *w.PromptTokens
		}
		if w.CompletionTokens != nil {
			u.CompletionTokens = *w.CompletionTokens
		}
	case w.InputTokens != nil || w.OutputTokens != nil:
		if w.InputTokens != nil {
			u.PromptTokens = *w.InputTokens
		}
		if w.OutputTokens != nil {
			u.CompletionTokens = *w.OutputTokens
		}
	default:
		return nil
	}
	if w.TotalTokens != nil {
		u.TotalTokens = *w.TotalTokens
	} else {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// Completion is the extracted view of a 2xx upstream body: the
// assistant text, whether the model invoked tools, and usage if the
// upstream reported it.
type Completion struct {
	Text      string
	ToolCalls bool
	Usage     *Usage
}

// Empty reports whether the completion carries no content at all. A
// whitespace-only text still counts as empty, but a tool-call response
// with no text does not.
func (c *Completion) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && !c.ToolCalls
}

// ExtractCompletion pulls the assistant output out of a 2xx upstream
// body according to the provider's protocol flavor.
func ExtractCompletion(flavor ProtocolFlavor, body []byte) (*Completion, error) {
	switch flavor {
	case FlavorMessages:
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Usage *usageWire `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		out := &Completion{Usage: resp.Usage.toUsage()}
		var sb strings.Builder
		for _, c := range resp.Content {
			switch c.Type {
			case "text":
				sb.WriteString(c.Text)
			case "tool_use":
				out.ToolCalls = true
			}
		}
		out.Text = sb.String()
		return out, nil

	case FlavorResponses:
		var resp struct {
			OutputText string `json:"output_text"`
			Output     []struct {
				Type    string `json:"type"`
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"output"`
			Usage *usageWire `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		out := &Completion{Usage: resp.Usage.toUsage()}
		var sb strings.Builder
		for _, o := range resp.Output {
			if o.Type == "function_call" {
				out.ToolCalls = true
				continue
			}
			for _, c := range o.Content {
				if c.Type == "output_text" || c.Type == "text" {
					sb.WriteString(c.Text)
				}
			}
		}
		out.Text = sb.String()
		if resp.OutputText != "" {
			out.Text = resp.OutputText
		}
		return out, nil

	default: // openai
		var resp struct {
			Choices []struct {
				Message struct {
					Content   string            `json:"content"`
					ToolCalls []json.RawMessage `json:"tool_calls"`
				} `json:"message"`
			} `json:"choices"`
			Usage *usageWire `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		out := &Completion{Usage: resp.Usage.toUsage()}
		if len(resp.Choices) > 0 {
			out.Text = resp.Choices[0].Message.Content
			out.ToolCalls = len(resp.Choices[0].Message.ToolCalls) > 0
		}
		return out, nil
	}
}

// StreamDelta is the decoded payload of one SSE data line from an
// OpenAI-flavor streaming response.
type StreamDelta struct {
	Content      string
	ToolCalls    bool
	FinishReason string
	Usage        *Usage
}

// ParseStreamData decodes the JSON payload of a "data: " line. The
// trailing usage chunk some providers emit has an empty choices array.
func ParseStreamData(payload []byte) (*StreamDelta, error) {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content   string            `json:"content"`
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *usageWire `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, err
	}
	d := &StreamDelta{Usage: chunk.Usage.toUsage()}
	if len(chunk.Choices) > 0 {
		d.Content = chunk.Choices[0].Delta.Content
		d.ToolCalls = len(chunk.Choices[0].Delta.ToolCalls) > 0
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			d.FinishReason = *fr
		}
	}
	return d, nil
}
