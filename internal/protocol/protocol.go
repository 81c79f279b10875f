// ABOUTME: Message types exchanged between sandbox clients and the bridge
// ABOUTME: Inbound and outbound envelopes are disjoint sets keyed by a type tag

package protocol

import "encoding/json"

// MessageType is the discriminator carried in the "type" field of every frame.
type MessageType string

// Inbound message types (client -> bridge).
const (
	TypeRegister          MessageType = "REGISTER"
	TypeSelectionChanged  MessageType = "SELECTION_CHANGED"
	TypeAnalysisResult    MessageType = "ANALYSIS_RESULT"
	TypePong              MessageType = "PONG"
	TypeExecuteCodeResult MessageType = "EXECUTE_CODE_RESULT"
)

// Outbound message types (bridge or host -> client).
const (
	TypeRegistered      MessageType = "REGISTERED"
	TypePing            MessageType = "PING"
	TypeTriggerAnalysis MessageType = "TRIGGER_ANALYSIS"
	TypeExecuteCode     MessageType = "EXECUTE_CODE"
	TypeHighlightNode   MessageType = "HIGHLIGHT_NODE"
	TypeNotify          MessageType = "NOTIFY"
)

// ClientType identifies which sandbox context a connection belongs to.
type ClientType string

const (
	ClientPlugin ClientType = "plugin"
	ClientWidget ClientType = "widget"
)

// Valid reports whether t is a known client type.
func (t ClientType) Valid() bool {
	return t == ClientPlugin || t == ClientWidget
}

// Severity grades an analysis issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Envelope is any message that can travel over a bridge connection.
type Envelope interface {
	MessageType() MessageType
}

// Inbound is an envelope sent by a sandbox client.
type Inbound interface {
	Envelope
	isInbound()
}

// Outbound is an envelope sent to a sandbox client.
type Outbound interface {
	Envelope
	isOutbound()
}

// FileKeyed is implemented by inbound messages that may reveal the document
// a client is attached to.
type FileKeyed interface {
	DocumentKey() string
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// Register announces a client and its context. It may be repeated on the same
// connection to update the context.
type Register struct {
	ClientType ClientType `json:"clientType"`
	WidgetID   string     `json:"widgetId,omitempty"`
	FileKey    string     `json:"fileKey,omitempty"`
}

// Node describes one selected canvas node. Bounds is opaque and kept verbatim.
type Node struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Bounds json.RawMessage `json:"bounds,omitempty"`
}

// SelectionChanged reports the client's current selection.
type SelectionChanged struct {
	Nodes   []Node `json:"nodes"`
	FileKey string `json:"fileKey,omitempty"`
}

// Issue is a single finding produced by a client-side analysis.
type Issue struct {
	NodeID   string   `json:"nodeId"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// AnalysisResult carries the findings of an analysis run.
type AnalysisResult struct {
	Issues  []Issue `json:"issues"`
	FileKey string  `json:"fileKey,omitempty"`
}

// Pong answers a Ping.
type Pong struct{}

// ExecuteCodeResult answers an ExecuteCode request with the same ID. ID is
// empty when the request carried none.
type ExecuteCodeResult struct {
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (Register) MessageType() MessageType          { return TypeRegister }
func (SelectionChanged) MessageType() MessageType  { return TypeSelectionChanged }
func (AnalysisResult) MessageType() MessageType    { return TypeAnalysisResult }
func (Pong) MessageType() MessageType              { return TypePong }
func (ExecuteCodeResult) MessageType() MessageType { return TypeExecuteCodeResult }

func (Register) isInbound()          {}
func (SelectionChanged) isInbound()  {}
func (AnalysisResult) isInbound()    {}
func (Pong) isInbound()              {}
func (ExecuteCodeResult) isInbound() {}

func (m Register) DocumentKey() string         { return m.FileKey }
func (m SelectionChanged) DocumentKey() string { return m.FileKey }
func (m AnalysisResult) DocumentKey() string   { return m.FileKey }

// ── Outbound ─────────────────────────────────────────────────────────────────

// Registered acknowledges a Register and tells the client its assigned id.
// Only the bridge itself sends it.
type Registered struct {
	ClientID string `json:"clientId"`
}

// Ping probes client liveness.
type Ping struct{}

// TriggerAnalysis asks the client to analyze its current selection.
type TriggerAnalysis struct{}

// ExecuteCode asks the plugin to run code in the document context. ID is an
// optional correlation token echoed back in ExecuteCodeResult. Timeout is in
// milliseconds; zero lets the client pick its default.
type ExecuteCode struct {
	Code    string `json:"code"`
	ID      string `json:"id,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

// HighlightNode asks the client to focus a node.
type HighlightNode struct {
	NodeID string `json:"nodeId"`
}

// Notify shows a short message in the client.
type Notify struct {
	Message string `json:"message"`
}

func (Registered) MessageType() MessageType      { return TypeRegistered }
func (Ping) MessageType() MessageType            { return TypePing }
func (TriggerAnalysis) MessageType() MessageType { return TypeTriggerAnalysis }
func (ExecuteCode) MessageType() MessageType     { return TypeExecuteCode }
func (HighlightNode) MessageType() MessageType   { return TypeHighlightNode }
func (Notify) MessageType() MessageType          { return TypeNotify }

func (Registered) isOutbound()      {}
func (Ping) isOutbound()            {}
func (TriggerAnalysis) isOutbound() {}
func (ExecuteCode) isOutbound()     {}
func (HighlightNode) isOutbound()   {}
func (Notify) isOutbound()          {}
