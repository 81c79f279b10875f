// ABOUTME: JSON framing for bridge envelopes: tag-first encoding and validated decoding
// ABOUTME: Every frame decodes to exactly one known type or fails; nothing is coerced

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed means the frame is not a valid envelope of its declared type.
	ErrMalformed = errors.New("malformed envelope")

	// ErrUnknownType means the type tag is not accepted in this direction.
	ErrUnknownType = errors.New("unknown message type")
)

type header struct {
	Type MessageType `json:"type"`
}

func readHeader(frame []byte) (MessageType, error) {
	var h header
	if err := json.Unmarshal(frame, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return h.Type, nil
}

func unmarshalBody(frame []byte, t MessageType, v any) error {
	if err := json.Unmarshal(frame, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return nil
}

func malformed(t MessageType, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, t, fmt.Sprintf(format, args...))
}

// Decode parses a frame sent by a sandbox client.
func Decode(frame []byte) (Inbound, error) {
	t, err := readHeader(frame)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeRegister:
		var m Register
		if err := unmarshalBody(frame, t, &m); err != nil {
			return nil, err
		}
		if !m.ClientType.Valid() {
			return nil, malformed(t, "invalid clientType %q", m.ClientType)
		}
		if m.ClientType == ClientPlugin && m.WidgetID != "" {
			return nil, malformed(t, "widgetId is only valid for widget clients")
		}
		return m, nil

	case TypeSelectionChanged:
		return decodeSelection(frame)

	case TypeAnalysisResult:
		return decodeAnalysis(frame)

	case TypePong:
		return Pong{}, nil

	case TypeExecuteCodeResult:
		var m ExecuteCodeResult
		if err := unmarshalBody(frame, t, &m); err != nil {
			return nil, err
		}
		// id is echoed from EXECUTE_CODE, where it is optional.
		m.Result = dropNull(m.Result)
		return m, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

type wireNode struct {
	ID     string          `json:"id"`
	Name   *string         `json:"name"`
	Type   *string         `json:"type"`
	Bounds json.RawMessage `json:"bounds"`
}

type wireSelection struct {
	Nodes   []wireNode `json:"nodes"`
	FileKey string     `json:"fileKey"`
}

func decodeSelection(frame []byte) (Inbound, error) {
	var w wireSelection
	if err := unmarshalBody(frame, TypeSelectionChanged, &w); err != nil {
		return nil, err
	}
	if w.Nodes == nil {
		return nil, malformed(TypeSelectionChanged, "missing nodes")
	}

	nodes := make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		if n.ID == "" {
			return nil, malformed(TypeSelectionChanged, "node %d: missing id", i)
		}
		if n.Name == nil || n.Type == nil {
			return nil, malformed(TypeSelectionChanged, "node %d: missing name or type", i)
		}
		nodes[i] = Node{ID: n.ID, Name: *n.Name, Type: *n.Type, Bounds: dropNull(n.Bounds)}
	}
	return SelectionChanged{Nodes: nodes, FileKey: w.FileKey}, nil
}

type wireIssue struct {
	NodeID   string   `json:"nodeId"`
	Severity Severity `json:"severity"`
	Message  *string  `json:"message"`
}

type wireAnalysis struct {
	Issues  []wireIssue `json:"issues"`
	FileKey string      `json:"fileKey"`
}

func decodeAnalysis(frame []byte) (Inbound, error) {
	var w wireAnalysis
	if err := unmarshalBody(frame, TypeAnalysisResult, &w); err != nil {
		return nil, err
	}
	if w.Issues == nil {
		return nil, malformed(TypeAnalysisResult, "missing issues")
	}

	issues := make([]Issue, len(w.Issues))
	for i, is := range w.Issues {
		if is.NodeID == "" {
			return nil, malformed(TypeAnalysisResult, "issue %d: missing nodeId", i)
		}
		if !is.Severity.Valid() {
			return nil, malformed(TypeAnalysisResult, "issue %d: invalid severity %q", i, is.Severity)
		}
		if is.Message == nil {
			return nil, malformed(TypeAnalysisResult, "issue %d: missing message", i)
		}
		issues[i] = Issue{NodeID: is.NodeID, Severity: is.Severity, Message: *is.Message}
	}
	return AnalysisResult{Issues: issues, FileKey: w.FileKey}, nil
}

// DecodeOutbound parses an envelope a host wants delivered to clients.
// REGISTERED is reserved for the bridge and is rejected here.
func DecodeOutbound(frame []byte) (Outbound, error) {
	t, err := readHeader(frame)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypePing:
		return Ping{}, nil

	case TypeTriggerAnalysis:
		return TriggerAnalysis{}, nil

	case TypeExecuteCode:
		var m ExecuteCode
		if err := unmarshalBody(frame, t, &m); err != nil {
			return nil, err
		}
		if m.Code == "" {
			return nil, malformed(t, "missing code")
		}
		if m.Timeout < 0 {
			return nil, malformed(t, "negative timeout")
		}
		return m, nil

	case TypeHighlightNode:
		var m HighlightNode
		if err := unmarshalBody(frame, t, &m); err != nil {
			return nil, err
		}
		if m.NodeID == "" {
			return nil, malformed(t, "missing nodeId")
		}
		return m, nil

	case TypeNotify:
		var m Notify
		if err := unmarshalBody(frame, t, &m); err != nil {
			return nil, err
		}
		if m.Message == "" {
			return nil, malformed(t, "missing message")
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// Encode serializes an envelope with its type tag as the first field.
func Encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", env.MessageType(), err)
	}
	tag, err := json.Marshal(env.MessageType())
	if err != nil {
		return nil, fmt.Errorf("encoding type tag: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for envelopes that cannot fail to marshal.
func MustEncode(env Envelope) []byte {
	frame, err := Encode(env)
	if err != nil {
		panic(err)
	}
	return frame
}

func dropNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
