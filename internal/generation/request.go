package generation

import (
	"strings"

	"canvas-agent/internal/domain"
)

// TurnRole is the role name used in outbound history.
type TurnRole string

const (
	TurnUser  TurnRole = "user"
	TurnModel TurnRole = "model"
)

// Turn is one prior message in the provider-neutral request.
type Turn struct {
	Role TurnRole
	Text string
}

// Request is everything a Generator needs for one call.
type Request struct {
	Model   string
	System  string
	History []Turn
	// Prompt is the current user text with any inlined file content or notice.
	Prompt string
	// Binary is set when the attachment is sent as inline data.
	Binary *BinaryPart
	Schema []byte
}

// BuildRequest maps the running transcript and the current turn into a Request.
func BuildRequest(model string, history []domain.Message, text string, att *Attachment) Request {
	req := Request{
		Model:   model,
		System:  systemPrompt(),
		History: historyTurns(history),
		Schema:  OutputSchema(),
	}

	sections := make([]string, 0, 2)
	if t := strings.TrimSpace(text); t != "" {
		sections = append(sections, t)
	}
	if att != nil {
		switch p := Classify(*att).(type) {
		case BinaryPart:
			req.Binary = &p
			if len(sections) == 0 {
				sections = append(sections, "See the attached file "+p.Name+".")
			}
		case TextPart:
			sections = append(sections, p.Inline())
		case UnsupportedPart:
			sections = append(sections, p.Notice())
		}
	}
	req.Prompt = strings.Join(sections, "\n\n")
	return req
}

func historyTurns(history []domain.Message) []Turn {
	out := make([]Turn, 0, len(history))
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" && m.Attachment != nil {
			text = "[Attached file: " + m.Attachment.Name + "]"
		}
		if text == "" {
			continue
		}
		role := TurnUser
		if m.Role == domain.RoleAgent {
			role = TurnModel
		}
		out = append(out, Turn{Role: role, Text: text})
	}
	return out
}
