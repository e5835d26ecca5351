package generation

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// Result is the structured answer the model is asked to produce.
type Result struct {
	ReasoningTrace string `json:"reasoningTrace" jsonschema:"description=Short explanation of how the reply and artifact were produced"`
	Reply          string `json:"reply" jsonschema:"description=User-facing chat reply"`
	HTML           string `json:"html,omitempty" jsonschema:"description=Complete standalone HTML document for the preview pane"`
}

const SchemaName = "canvas_result"

var (
	schemaOnce sync.Once
	schemaJSON json.RawMessage
)

// OutputSchema returns the JSON Schema declared to the generation service.
func OutputSchema() json.RawMessage {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		s := r.Reflect(&Result{})
		s.Version = ""
		s.ID = ""
		raw, err := json.Marshal(s)
		if err != nil {
			// Result is a fixed struct; reflection output always marshals.
			panic("generation: marshal output schema: " + err.Error())
		}
		schemaJSON = raw
	})
	return schemaJSON
}
