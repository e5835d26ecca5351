package domain

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PlaceholderTitle is the title every new session starts with.
const PlaceholderTitle = "New Chat"

// AttachmentDescriptor describes a file the user supplied with a turn. The
// content itself is never persisted.
type AttachmentDescriptor struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
	Size      int64  `json:"size"`
}

// Message is a single entry of a session transcript.
type Message struct {
	ID                 string                `json:"id"`
	Role               Role                  `json:"role"`
	Text               string                `json:"text"`
	Attachment         *AttachmentDescriptor `json:"attachment,omitempty"`
	ReasoningTrace     string                `json:"reasoningTrace,omitempty"`
	ArtifactPreviewRef string                `json:"artifactPreviewRef,omitempty"`
}

// ArtifactSnapshot is the current generated visual tied to a session.
type ArtifactSnapshot struct {
	HTML            string `json:"html"`
	BackgroundColor string `json:"backgroundColor"`
	FontFamily      string `json:"fontFamily"`
	IsEditable      bool   `json:"isEditable"`
}

// Session is one persisted conversation thread.
type Session struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	OwnerID      string            `json:"ownerId"`
	Messages     []Message         `json:"messages"`
	LastModified time.Time         `json:"lastModified"`
	Artifact     *ArtifactSnapshot `json:"artifact,omitempty"`
}

// HasUserMessage reports whether any message was authored by the user.
func HasUserMessage(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}
