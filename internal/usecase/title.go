package usecase

import (
	"strings"

	"canvas-agent/internal/domain"
)

const maxTitleRunes = 48

// DeriveTitle builds a session title from the first user message. It returns
// "" when that message carries neither text nor an attachment.
func DeriveTitle(msgs []domain.Message) string {
	for _, m := range msgs {
		if m.Role != domain.RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(m.Text), " ")
		if title == "" && m.Attachment != nil {
			title = strings.TrimSpace(m.Attachment.Name)
		}
		return truncateRunes(title, maxTitleRunes)
	}
	return ""
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

// applyTitleRule replaces the placeholder title once a user message exists.
func applyTitleRule(s *domain.Session) {
	if s.Title != domain.PlaceholderTitle || !domain.HasUserMessage(s.Messages) {
		return
	}
	if t := DeriveTitle(s.Messages); t != "" {
		s.Title = t
	}
}
