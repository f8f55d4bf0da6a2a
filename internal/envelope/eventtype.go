package envelope

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// EventType describes one member of the closed set of event types a node
// may emit or receive, along with the JSON schema its payload must satisfy.
type EventType struct {
	Name          string
	Description   string
	PayloadSchema map[string]interface{} // nil means "no schema, any payload"

	schemaLoader gojsonschema.JSONLoader
}

// Registry is the closed set of event types known to the mesh.
type Registry struct {
	types map[string]*EventType
	order []string
}

// NewRegistry builds the default event-type registry, grounded on the
// payload shapes the Claude Code driver integration actually produces.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]*EventType)}
	r.register(&EventType{
		Name:        "session_start",
		Description: "emitted when a background agent session begins",
	})
	r.register(&EventType{
		Name:        "session_end",
		Description: "emitted when a background agent session ends",
	})
	r.register(&EventType{
		Name:        "user_prompt_submit",
		Description: "emitted when a user message is submitted to a background session",
		PayloadSchema: map[string]interface{}{
			"type":                 "object",
			"required":             []interface{}{"prompt"},
			"additionalProperties": true,
			"properties": map[string]interface{}{
				"prompt": map[string]interface{}{"type": "string"},
			},
		},
	})
	r.register(&EventType{
		Name:        "session_response",
		Description: "emitted when a background session completes a turn",
		PayloadSchema: map[string]interface{}{
			"type":                 "object",
			"required":             []interface{}{"response"},
			"additionalProperties": true,
			"properties": map[string]interface{}{
				"response": map[string]interface{}{"type": "string"},
			},
		},
	})
	r.register(&EventType{
		Name:        "pre_tool_use",
		Description: "emitted immediately before a tool invocation",
		PayloadSchema: map[string]interface{}{
			"type":                 "object",
			"required":             []interface{}{"tool_name", "tool_input"},
			"additionalProperties": true,
			"properties": map[string]interface{}{
				"tool_name":  map[string]interface{}{"type": "string"},
				"tool_input": map[string]interface{}{},
			},
		},
	})
	r.register(&EventType{
		Name:        "post_tool_use",
		Description: "emitted immediately after a tool invocation completes",
		PayloadSchema: map[string]interface{}{
			"type":                 "object",
			"required":             []interface{}{"tool_name", "tool_output"},
			"additionalProperties": true,
			"properties": map[string]interface{}{
				"tool_name":   map[string]interface{}{"type": "string"},
				"tool_output": map[string]interface{}{},
			},
		},
	})
	r.register(&EventType{
		Name:        "node_message",
		Description: "a free-form message sent directly from one node to another",
		PayloadSchema: map[string]interface{}{
			"type":                 "object",
			"required":             []interface{}{"message"},
			"additionalProperties": true,
			"properties": map[string]interface{}{
				"message": map[string]interface{}{"type": "string"},
			},
		},
	})
	r.register(&EventType{
		Name:        "event_batch",
		Description: "a batched set of envelopes flushed by an aggregator session",
	})
	r.register(&EventType{
		Name:        "system_message",
		Description: "a free-form system-level message with a delivery target outside the mesh",
	})
	r.register(&EventType{
		Name:        "email_message",
		Description: "a free-form message routed to an email delivery node",
	})
	r.register(&EventType{
		Name:        "scheduler_message",
		Description: "a free-form message routed to a scheduler node",
	})
	r.register(&EventType{
		Name:        "reddit_scraper_message",
		Description: "a free-form message routed to a reddit-scraper node",
	})
	return r
}

func (r *Registry) register(et *EventType) {
	if et.PayloadSchema != nil {
		et.schemaLoader = gojsonschema.NewGoLoader(et.PayloadSchema)
	}
	r.types[et.Name] = et
	r.order = append(r.order, et.Name)
}

// Lookup returns the EventType for a name, or (nil, false) if it is not a
// member of the closed set.
func (r *Registry) Lookup(name string) (*EventType, bool) {
	et, ok := r.types[name]
	return et, ok
}

// Names returns every registered event type name, in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ValidatePayload checks payload (already unmarshaled into a
// map[string]interface{} or similar) against the event type's schema. An
// event type with no schema accepts any payload.
func (et *EventType) ValidatePayload(payload interface{}) error {
	if et.schemaLoader == nil {
		return nil
	}
	result, err := gojsonschema.Validate(et.schemaLoader, gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("payload invalid for event type %q: %v", et.Name, result.Errors())
	}
	return nil
}
