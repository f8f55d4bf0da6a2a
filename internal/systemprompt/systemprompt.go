// Package systemprompt renders the mesh-topology preamble for a session on
// a node (exposed through Node.SystemPrompt), grounded on
// runtime/system_prompt.py's generate_system_prompt. Session construction
// does not call it.
package systemprompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/store"
)

const promptTemplate = `
You are now a node operating within the Mosaic Event Mesh system.

[Identity]
Node ID: {{ .NodeID }}

[Current Session]
Session ID: {{ .SessionID }}

[Nodes In Mesh]
{{- range .Nodes }}
- {{ . }}
{{- end }}
{{ if or .Subscriptions .Connections -}}
[Network Topology]
graph LR
{{- range .Subscriptions }}
    {{ .SourceID }} --> |{{ .EventType }}| {{ .TargetID }}
{{- end }}
{{- range .Connections }}
    {{ .SourceID }} --> {{ .TargetID }}
{{- end }}
{{ end -}}
{{ if .EventTypes -}}
[Event Definitions]
{{- range .EventTypes }}
{{ .Name }}:
    - description: {{ .Description }}
{{- if .SchemaJSON }}
    - payload_schema: {{ .SchemaJSON }}
{{- end }}
{{- end }}
{{ end -}}
`

type topologyEdge struct {
	SourceID  string
	TargetID  string
	EventType string
}

type eventTypeEntry struct {
	Name        string
	Description string
	SchemaJSON  string
}

type promptData struct {
	NodeID        string
	SessionID     string
	Nodes         []string
	Subscriptions []topologyEdge
	Connections   []topologyEdge
	EventTypes    []eventTypeEntry
}

// Builder renders the system prompt for a mesh/session pair from the
// declarative model store plus the closed event-type registry.
type Builder struct {
	st       *store.Store
	registry *envelope.Registry
	tmpl     *template.Template
}

// New builds a Builder bound to st and registry.
func New(st *store.Store, registry *envelope.Registry) *Builder {
	return &Builder{
		st:       st,
		registry: registry,
		tmpl:     template.Must(template.New("system_prompt").Parse(promptTemplate)),
	}
}

// Build renders the preamble for a session about to start on nodeID
// within meshID.
func (b *Builder) Build(meshID, nodeID, sessionID string) (string, error) {
	nodes, err := b.st.ListNodes(meshID)
	if err != nil {
		return "", fmt.Errorf("systemprompt: list nodes: %w", err)
	}

	data := promptData{
		NodeID:    nodeID,
		SessionID: sessionID,
	}
	for _, n := range nodes {
		data.Nodes = append(data.Nodes, n.ID)
	}

	subPairs := make(map[string]bool)
	for _, n := range nodes {
		for _, evType := range b.registry.Names() {
			subs, err := b.st.ListSubscriptions(meshID, n.ID, evType)
			if err != nil {
				return "", fmt.Errorf("systemprompt: list subscriptions: %w", err)
			}
			for _, sub := range subs {
				data.Subscriptions = append(data.Subscriptions, topologyEdge{
					SourceID: sub.SourceNodeID, TargetID: sub.TargetNodeID, EventType: sub.EventType,
				})
				subPairs[sub.SourceNodeID+"->"+sub.TargetNodeID] = true
			}
		}
	}

	for _, src := range nodes {
		for _, dst := range nodes {
			if src.ID == dst.ID {
				continue
			}
			if subPairs[src.ID+"->"+dst.ID] {
				continue
			}
			conn, err := b.st.GetConnection(meshID, src.ID, dst.ID)
			if err != nil {
				return "", fmt.Errorf("systemprompt: get connection: %w", err)
			}
			if conn != nil {
				data.Connections = append(data.Connections, topologyEdge{SourceID: src.ID, TargetID: dst.ID})
			}
		}
	}

	for _, name := range b.registry.Names() {
		et, _ := b.registry.Lookup(name)
		entry := eventTypeEntry{Name: et.Name, Description: et.Description}
		if et.PayloadSchema != nil {
			raw, err := json.Marshal(et.PayloadSchema)
			if err == nil {
				entry.SchemaJSON = string(raw)
			}
		}
		data.EventTypes = append(data.EventTypes, entry)
	}

	var sb strings.Builder
	if err := b.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("systemprompt: render: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
