// ABOUTME: Tests for envelope decoding and encoding
// ABOUTME: Covers validation failures, direction checks, and tag-first encoding

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Register(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"REGISTER","clientType":"widget","widgetId":"W1","fileKey":"F1"}`))
	require.NoError(t, err)
	assert.Equal(t, Register{ClientType: ClientWidget, WidgetID: "W1", FileKey: "F1"}, msg)
}

func TestDecode_RegisterRejectsBadClientType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"REGISTER","clientType":"electron-overlay"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_RegisterRejectsWidgetIDOnPlugin(t *testing.T) {
	_, err := Decode([]byte(`{"type":"REGISTER","clientType":"plugin","widgetId":"W1"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_SelectionChanged(t *testing.T) {
	frame := `{"type":"SELECTION_CHANGED","fileKey":"F1","nodes":[` +
		`{"id":"1:2","name":"Card","type":"FRAME","bounds":{"x":1,"y":2}},` +
		`{"id":"1:3","name":"","type":"TEXT","bounds":null}]}`

	msg, err := Decode([]byte(frame))
	require.NoError(t, err)

	sel, ok := msg.(SelectionChanged)
	require.True(t, ok)
	assert.Equal(t, "F1", sel.FileKey)
	require.Len(t, sel.Nodes, 2)
	assert.Equal(t, "Card", sel.Nodes[0].Name)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(sel.Nodes[0].Bounds))
	assert.Nil(t, sel.Nodes[1].Bounds)
	assert.Equal(t, "F1", sel.DocumentKey())
}

func TestDecode_SelectionChangedEmptyNodes(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"SELECTION_CHANGED","nodes":[]}`))
	require.NoError(t, err)
	assert.Empty(t, msg.(SelectionChanged).Nodes)
}

func TestDecode_SelectionChangedFailures(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"missing nodes", `{"type":"SELECTION_CHANGED"}`},
		{"null nodes", `{"type":"SELECTION_CHANGED","nodes":null}`},
		{"nodes not array", `{"type":"SELECTION_CHANGED","nodes":{}}`},
		{"node without id", `{"type":"SELECTION_CHANGED","nodes":[{"name":"a","type":"FRAME"}]}`},
		{"node without type", `{"type":"SELECTION_CHANGED","nodes":[{"id":"1","name":"a"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_AnalysisResult(t *testing.T) {
	frame := `{"type":"ANALYSIS_RESULT","issues":[{"nodeId":"1:2","severity":"warning","message":"detached style"}]}`

	msg, err := Decode([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, AnalysisResult{
		Issues: []Issue{{NodeID: "1:2", Severity: SeverityWarning, Message: "detached style"}},
	}, msg)
}

func TestDecode_AnalysisResultRejectsUnknownSeverity(t *testing.T) {
	frame := `{"type":"ANALYSIS_RESULT","issues":[{"nodeId":"1:2","severity":"fatal","message":"x"}]}`

	_, err := Decode([]byte(frame))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_ExecuteCodeResult(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"EXECUTE_CODE_RESULT","id":"exec-1","success":true,"result":{"count":3}}`))
	require.NoError(t, err)

	res := msg.(ExecuteCodeResult)
	assert.Equal(t, "exec-1", res.ID)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"count":3}`, string(res.Result))

	msg, err = Decode([]byte(`{"type":"EXECUTE_CODE_RESULT","success":false,"error":"boom"}`))
	require.NoError(t, err, "id is optional")
	assert.Equal(t, ExecuteCodeResult{Success: false, Error: "boom"}, msg)
}

func TestDecode_Pong(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"PONG"}`))
	require.NoError(t, err)
	assert.Equal(t, Pong{}, msg)
}

func TestDecode_RejectsUnknownAndOutboundTypes(t *testing.T) {
	for _, frame := range []string{
		`{"type":"HELLO"}`,
		`{"type":"PING"}`,
		`{"type":"EXECUTE_CODE","code":"x"}`,
	} {
		_, err := Decode([]byte(frame))
		assert.ErrorIs(t, err, ErrUnknownType, frame)
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	for _, frame := range []string{``, `not json`, `[1,2]`, `{}`, `null`, `{"type":42}`} {
		_, err := Decode([]byte(frame))
		assert.ErrorIs(t, err, ErrMalformed, frame)
	}
}

func TestDecodeOutbound(t *testing.T) {
	msg, err := DecodeOutbound([]byte(`{"type":"EXECUTE_CODE","id":"c1","code":"return 1","timeout":2000}`))
	require.NoError(t, err)
	assert.Equal(t, ExecuteCode{ID: "c1", Code: "return 1", Timeout: 2000}, msg)

	msg, err = DecodeOutbound([]byte(`{"type":"HIGHLIGHT_NODE","nodeId":"4:5"}`))
	require.NoError(t, err)
	assert.Equal(t, HighlightNode{NodeID: "4:5"}, msg)

	_, err = DecodeOutbound([]byte(`{"type":"NOTIFY"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeOutbound([]byte(`{"type":"EXECUTE_CODE"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeOutbound([]byte(`{"type":"REGISTERED","clientId":"x"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeOutbound([]byte(`{"type":"PONG"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestEncode_PutsTypeFirst(t *testing.T) {
	frame, err := Encode(Ping{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"PING"}`, string(frame))

	frame, err = Encode(Notify{Message: "saved"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"NOTIFY","message":"saved"}`, string(frame))

	frame, err = Encode(ExecuteCode{Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"EXECUTE_CODE","code":"x"}`, string(frame))
}

func TestEncode_InboundDecodesBackUnchanged(t *testing.T) {
	sent := SelectionChanged{
		FileKey: "F1",
		Nodes: []Node{
			{ID: "1:2", Name: "Card", Type: "FRAME", Bounds: json.RawMessage(`{"x":0,"y":0,"w":10,"h":5}`)},
			{ID: "1:3", Name: "Label", Type: "TEXT"},
		},
	}

	frame, err := Encode(sent)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}
