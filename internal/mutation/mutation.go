// Package mutation defines the envelope format for document mutations and the
// deterministic function that applies an envelope to document content. The
// same apply runs on the device and on the remote authority, so replaying a
// queue of envelopes yields byte-identical content on both sides.
package mutation

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/fieldops/sitesync/internal/errors"
)

// Envelope is a coarse-grained mutation: either a whole-document replacement
// or a merge of named top-level fields. Character-level merging is out of
// scope; this granularity is what user-assisted conflict resolution needs.
type Envelope struct {
	Fields  map[string]any `json:"fields,omitempty"`
	Replace map[string]any `json:"replace,omitempty"`
	Summary string         `json:"summary,omitempty"`
}

const schemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"fields": {"type": "object", "minProperties": 1},
		"replace": {"type": "object"},
		"summary": {"type": "string", "maxLength": 500}
	},
	"oneOf": [
		{"required": ["fields"]},
		{"required": ["replace"]}
	],
	"additionalProperties": false
}`

var envelopeSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mutation.json", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("mutation.json")
	if err != nil {
		panic(err)
	}
	return sch
}

// Parse validates raw payload bytes against the envelope schema and decodes
// them. A payload that fails here is a fatal local error: it is reported
// immediately and never enqueued.
func Parse(payload json.RawMessage) (*Envelope, error) {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMutationInvalid, "payload is not valid JSON", err)
	}
	if err := envelopeSchema.Validate(inst); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMutationInvalid, "payload failed schema validation", err)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMutationInvalid, "payload does not decode into envelope", err)
	}
	return &env, nil
}

// Apply produces the content that results from applying payload to content.
// Unknown content is treated as an empty object. The output is canonical JSON
// (map keys sorted by encoding/json), so equal inputs give equal bytes.
func Apply(content, payload json.RawMessage) (json.RawMessage, error) {
	env, err := Parse(payload)
	if err != nil {
		return nil, err
	}

	if env.Replace != nil {
		out, err := json.Marshal(env.Replace)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMutationInvalid, "replace payload does not marshal", err)
		}
		return out, nil
	}

	doc := map[string]any{}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &doc); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMutationInvalid, "existing content is not a JSON object", err)
		}
	}
	for k, v := range env.Fields {
		doc[k] = v
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMutationInvalid, "merged content does not marshal", err)
	}
	return out, nil
}

// Title extracts a title field from the envelope if the mutation sets one, so
// the store can mirror it into the documents table.
func (e *Envelope) Title() (string, bool) {
	src := e.Fields
	if e.Replace != nil {
		src = e.Replace
	}
	if t, ok := src["title"].(string); ok {
		return t, true
	}
	return "", false
}

// SetFields builds a field-merge envelope.
func SetFields(fields map[string]any, summary string) (json.RawMessage, error) {
	return json.Marshal(Envelope{Fields: fields, Summary: summary})
}

// ReplaceWith builds a whole-document replacement envelope from raw content.
func ReplaceWith(content json.RawMessage, summary string) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &doc); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMutationInvalid, "content is not a JSON object", err)
		}
	}
	// Replace is marshaled without omitempty so an empty document survives.
	return json.Marshal(struct {
		Replace map[string]any `json:"replace"`
		Summary string         `json:"summary,omitempty"`
	}{doc, summary})
}
