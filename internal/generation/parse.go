package generation

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// OutcomeKind tags how a raw response was interpreted.
type OutcomeKind int

const (
	Parsed OutcomeKind = iota
	Degraded
)

func (k OutcomeKind) String() string {
	switch k {
	case Parsed:
		return "parsed"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// DegradedTrace is the reasoning trace shown when the response had no usable
// structure.
const DegradedTrace = "Structured parsing failed; showing the raw model response."

// Outcome is the interpreted generation result.
type Outcome struct {
	Kind   OutcomeKind
	Result Result
}

// Parse interprets raw model output. It never fails: the whole text is tried
// first, then the span from the first '{' to the last '}', and otherwise the
// raw text becomes the reply.
func Parse(raw string) Outcome {
	if r, ok := decodeResult(strings.TrimSpace(raw)); ok {
		return Outcome{Kind: Parsed, Result: r}
	}
	if span, ok := braceSpan(raw); ok {
		if r, ok := decodeResult(span); ok {
			return Outcome{Kind: Parsed, Result: r}
		}
	}
	return Outcome{
		Kind: Degraded,
		Result: Result{
			ReasoningTrace: DegradedTrace,
			Reply:          raw,
		},
	}
}

func braceSpan(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

func decodeResult(s string) (Result, bool) {
	if s == "" || !gjson.Valid(s) {
		return Result{}, false
	}
	doc := gjson.Parse(s)
	if !doc.IsObject() {
		return Result{}, false
	}
	trace, reply := doc.Get("reasoningTrace"), doc.Get("reply")
	if trace.Type != gjson.String || reply.Type != gjson.String {
		return Result{}, false
	}
	if h := doc.Get("html"); h.Exists() && h.Type != gjson.String && h.Type != gjson.Null {
		return Result{}, false
	}
	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Result{}, false
	}
	return r, true
}
