package generation

import (
	"encoding/base64"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"canvas-agent/internal/domain"
)

// Attachment is a file supplied with the current turn.
type Attachment struct {
	Name      string
	MediaType string
	Data      []byte
}

// Descriptor returns the persisted metadata for a.
func (a Attachment) Descriptor() *domain.AttachmentDescriptor {
	return &domain.AttachmentDescriptor{
		Name:      a.Name,
		MediaType: a.MediaType,
		Size:      int64(len(a.Data)),
	}
}

// Part is the handling mode chosen for an attachment. It is one of
// BinaryPart, TextPart or UnsupportedPart.
type Part interface {
	part()
}

// BinaryPart is image or document data sent inline as base64.
type BinaryPart struct {
	Name      string
	MediaType string
	Base64    string
}

// TextPart is decoded file content inlined into the prompt body.
type TextPart struct {
	Name string
	Text string
}

// UnsupportedPart is a file the model only hears about.
type UnsupportedPart struct {
	Name      string
	MediaType string
}

func (BinaryPart) part()      {}
func (TextPart) part()        {}
func (UnsupportedPart) part() {}

// Inline returns the prompt text for a text attachment, wrapped in markers
// naming the source file.
func (p TextPart) Inline() string {
	return fmt.Sprintf("--- BEGIN FILE: %s ---\n%s\n--- END FILE: %s ---", p.Name, strings.TrimRight(p.Text, "\n"), p.Name)
}

// Notice returns the short note appended to the prompt.
func (p UnsupportedPart) Notice() string {
	mt := p.MediaType
	if mt == "" {
		mt = "unknown type"
	}
	return fmt.Sprintf("[The user attached a file %q (%s) that could not be included inline.]", p.Name, mt)
}

// DataURL renders the part as a data: URL.
func (p BinaryPart) DataURL() string {
	return "data:" + p.MediaType + ";base64," + p.Base64
}

var binaryTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

var textTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/yaml":       true,
	"application/x-yaml":     true,
	"application/javascript": true,
	"application/typescript": true,
	"application/x-sh":       true,
	"application/sql":        true,
	"application/toml":       true,
	"image/svg+xml":          true,
}

var extensionTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".svg":  "image/svg+xml",
	".json": "application/json",
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".toml": "application/toml",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".ts":   "application/typescript",
	".tsx":  "application/typescript",
	".jsx":  "application/javascript",
	".sh":   "application/x-sh",
	".sql":  "application/sql",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".rb":   "text/x-ruby",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".c":    "text/x-c",
	".h":    "text/x-c",
	".cpp":  "text/x-c++",
	".kt":   "text/x-kotlin",
	".php":  "text/x-php",
	".log":  "text/plain",
	".ini":  "text/plain",
	".env":  "text/plain",
}

// Classify decides how an attachment is handed to the model. The declared
// media type wins; the file extension is consulted next and the content is
// sniffed only when neither says anything useful.
func Classify(a Attachment) Part {
	mt := ResolveMediaType(a)
	switch {
	case binaryTypes[mt]:
		return BinaryPart{
			Name:      a.Name,
			MediaType: mt,
			Base64:    base64.StdEncoding.EncodeToString(a.Data),
		}
	case isTextType(mt):
		if !utf8.Valid(a.Data) {
			return UnsupportedPart{Name: a.Name, MediaType: mt}
		}
		return TextPart{Name: a.Name, Text: string(a.Data)}
	default:
		return UnsupportedPart{Name: a.Name, MediaType: mt}
	}
}

// ResolveMediaType returns the normalised media type used for classification.
func ResolveMediaType(a Attachment) string {
	if mt := normaliseMediaType(a.MediaType); mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if mt, ok := extensionTypes[strings.ToLower(filepath.Ext(a.Name))]; ok {
		return mt
	}
	if len(a.Data) == 0 {
		return "application/octet-stream"
	}
	return normaliseMediaType(mimetype.Detect(a.Data).String())
}

func normaliseMediaType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(v)
	}
	return mt
}

func isTextType(mt string) bool {
	if strings.HasPrefix(mt, "text/") || textTypes[mt] {
		return true
	}
	return strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}
