package tokenizer

import "strings"

// TemplateKind identifies the chat prompt format a checkpoint expects,
// detected from which control tokens its vocabulary carries.
type TemplateKind int

const (
	TemplatePlain TemplateKind = iota
	TemplateChatML
	TemplateLlama3
)

func (k TemplateKind) String() string {
	switch k {
	case TemplateChatML:
		return "chatml"
	case TemplateLlama3:
		return "llama3"
	default:
		return "plain"
	}
}

// Message is one chat turn as the template layer sees it.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

func detectTemplate(encoder map[string]int) TemplateKind {
	if _, ok := encoder["<|im_start|>"]; ok {
		return TemplateChatML
	}
	_, hasHeader := encoder["<|start_header_id|>"]
	_, hasEOT := encoder["<|eot_id|>"]
	if hasHeader && hasEOT {
		return TemplateLlama3
	}
	return TemplatePlain
}

// Template reports the detected chat format.
func (t *Tokenizer) Template() TemplateKind { return t.template }

// RenderChat serializes a conversation into the model's prompt format,
// ending with the cue for the assistant to speak.
func (t *Tokenizer) RenderChat(messages []Message) string {
	var b strings.Builder
	switch t.template {
	case TemplateChatML:
		for _, m := range messages {
			b.WriteString("<|im_start|>")
			b.WriteString(m.Role)
			b.WriteString("\n")
			b.WriteString(m.Content)
			b.WriteString("<|im_end|>\n")
		}
		b.WriteString("<|im_start|>assistant\n")
	case TemplateLlama3:
		for _, m := range messages {
			b.WriteString("<|start_header_id|>")
			b.WriteString(m.Role)
			b.WriteString("<|end_header_id|>\n\n")
			b.WriteString(m.Content)
			b.WriteString("<|eot_id|>")
		}
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	default:
		for i, m := range messages {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(m.Content)
		}
	}
	return b.String()
}
