// ABOUTME: Tests for inbound routing, unicast/broadcast delivery, eviction, and execution correlation
// ABOUTME: Uses in-memory connections so write failures can be injected deterministically

package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/overlay-bridge/internal/dedupe"
	"github.com/2389/overlay-bridge/internal/hostsink"
	"github.com/2389/overlay-bridge/internal/protocol"
	"github.com/2389/overlay-bridge/internal/registry"
	"github.com/2389/overlay-bridge/internal/store"
)

var errBrokenPipe = errors.New("broken pipe")

type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Outbound
	fail   bool
	closed bool
	onSend func(protocol.Outbound)
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	if c.fail || c.closed {
		c.mu.Unlock()
		return errBrokenPipe
	}
	msg, err := protocol.DecodeOutbound(frame)
	if errors.Is(err, protocol.ErrUnknownType) {
		msg = decodeRegistered(frame)
	}
	c.frames = append(c.frames, msg)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outbound(nil), c.frames...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func decodeRegistered(frame []byte) protocol.Outbound {
	var ack struct {
		Type     protocol.MessageType `json:"type"`
		ClientID string               `json:"clientId"`
	}
	if err := json.Unmarshal(frame, &ack); err != nil || ack.Type != protocol.TypeRegistered {
		return nil
	}
	return protocol.Registered{ClientID: ack.ClientID}
}

type historyCall struct {
	op       string
	clientID string
	value    string
}

type fakeHistory struct {
	mu    sync.Mutex
	calls []historyCall
}

func (h *fakeHistory) RecordConnect(_ context.Context, s *store.Session) error {
	h.add(historyCall{"connect", s.ClientID, s.ClientType})
	return nil
}

func (h *fakeHistory) RecordFileKey(_ context.Context, id, key string) error {
	h.add(historyCall{"filekey", id, key})
	return nil
}

func (h *fakeHistory) RecordDisconnect(_ context.Context, id string, _ time.Time, reason string) error {
	h.add(historyCall{"disconnect", id, reason})
	return nil
}

func (h *fakeHistory) add(c historyCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c)
}

func (h *fakeHistory) snapshot() []historyCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]historyCall(nil), h.calls...)
}

type received struct {
	clientID string
	msg      protocol.Inbound
}

type harness struct {
	reg     *registry.Registry
	router  *Router
	history *fakeHistory

	mu       sync.Mutex
	log      []string
	changes  [][]registry.ClientInfo
	messages []received
}

func newHarness(t *testing.T, opts registry.Options) *harness {
	t.Helper()
	h := &harness{history: &fakeHistory{}}

	opts.OnChange = func(c []registry.ClientInfo) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.changes = append(h.changes, c)
		h.log = append(h.log, "clientsChanged")
	}
	h.reg = registry.New(opts, slog.Default())

	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	h.router = New(Options{
		Registry: h.reg,
		History:  h.history,
		Dedupe:   cache,
		Sink: hostsink.HostFuncs{OnMessageReceived: func(id string, msg protocol.Inbound) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.messages = append(h.messages, received{id, msg})
			h.log = append(h.log, "messageReceived")
		}},
	}, slog.Default())
	return h
}

func (h *harness) register(t *testing.T, conn *fakeConn, msg protocol.Register) string {
	t.Helper()
	id, err := h.router.HandleRegister(conn, msg, "127.0.0.1:40000")
	require.NoError(t, err)
	return id
}

func (h *harness) changeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changes)
}

func (h *harness) received() []received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]received(nil), h.messages...)
}

func TestHandleRegister_AcksAndRecordsHistory(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}

	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientWidget, WidgetID: "W1"})

	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.Registered{ClientID: id}, sent[0])
	assert.Equal(t, []historyCall{{"connect", id, "widget"}}, h.history.snapshot())
}

func TestHandleRegister_RepeatUpdatesFileKey(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}

	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin})
	again := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin, FileKey: "F1"})

	assert.Equal(t, id, again)
	assert.Len(t, h.reg.List(), 1)
	assert.Contains(t, h.history.snapshot(), historyCall{"filekey", id, "F1"})
}

func TestHandleRegister_SecondPluginClosedUnderSinglePolicy(t *testing.T) {
	h := newHarness(t, registry.Options{SinglePlugin: true})
	h.register(t, &fakeConn{}, protocol.Register{ClientType: protocol.ClientPlugin})

	second := &fakeConn{}
	_, err := h.router.HandleRegister(second, protocol.Register{ClientType: protocol.ClientPlugin}, "")

	assert.ErrorIs(t, err, registry.ErrPluginAlreadyRegistered)
	assert.True(t, second.isClosed())
	assert.Empty(t, second.sent())
	assert.Len(t, h.reg.List(), 1)
}

func TestHandleRegister_TypeChangeDropsFrame(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	h.register(t, conn, protocol.Register{ClientType: protocol.ClientWidget})

	_, err := h.router.HandleRegister(conn, protocol.Register{ClientType: protocol.ClientPlugin}, "")

	assert.ErrorIs(t, err, registry.ErrClientTypeChanged)
	assert.False(t, conn.isClosed())
	assert.Len(t, conn.sent(), 1, "no second ack")
}

func TestHandleRegister_AckFailureEvicts(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{fail: true}

	_, err := h.router.HandleRegister(conn, protocol.Register{ClientType: protocol.ClientWidget}, "")

	assert.Error(t, err)
	assert.Empty(t, h.reg.List())
	assert.True(t, conn.isClosed())
}

func TestHandleMessage_ForwardsWithClientID(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientWidget, WidgetID: "W1"})

	sel := protocol.SelectionChanged{Nodes: []protocol.Node{{ID: "1:2", Name: "Card", Type: "FRAME"}}}
	h.router.HandleMessage(conn, sel)

	got := h.received()
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].clientID)
	assert.Equal(t, sel, got[0].msg)
}

func TestHandleMessage_NewFileKeyUpdatesRegistryFirst(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientWidget})

	h.router.HandleMessage(conn, protocol.AnalysisResult{Issues: []protocol.Issue{}, FileKey: "F9"})
	h.router.HandleMessage(conn, protocol.AnalysisResult{Issues: []protocol.Issue{}, FileKey: "F9"})

	info, ok := h.reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, "F9", info.FileKey)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"clientsChanged", "clientsChanged", "messageReceived", "messageReceived"}, h.log)
	assert.Contains(t, h.history.snapshot(), historyCall{"filekey", id, "F9"})
}

type countingPongs struct {
	mu  sync.Mutex
	ids []string
}

func (p *countingPongs) RecordPong(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return true
}

func TestHandleMessage_PongIsNotForwarded(t *testing.T) {
	h := newHarness(t, registry.Options{})
	pongs := &countingPongs{}
	h.router.SetPongRecorder(pongs)
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin})

	h.router.HandleMessage(conn, protocol.Pong{})

	assert.Empty(t, h.received())
	assert.Equal(t, []string{id}, pongs.ids)
}

func TestHandleMessage_UnknownConnectionDropped(t *testing.T) {
	h := newHarness(t, registry.Options{})

	h.router.HandleMessage(&fakeConn{}, protocol.SelectionChanged{Nodes: []protocol.Node{}})
	assert.Empty(t, h.received())
}

func TestSend_UnknownClientHasNoSideEffects(t *testing.T) {
	h := newHarness(t, registry.Options{})
	h.register(t, &fakeConn{}, protocol.Register{ClientType: protocol.ClientWidget})
	before := h.changeCount()

	d := h.router.Send("no-such-client", protocol.Notify{Message: "hi"})

	assert.Equal(t, ClientNotFound, d)
	assert.Equal(t, before, h.changeCount())
	assert.Len(t, h.reg.List(), 1)
}

func TestSend_Delivered(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin})

	assert.Equal(t, Delivered, h.router.Send(id, protocol.HighlightNode{NodeID: "4:2"}))
	assert.Equal(t, Delivered, h.router.Send(id, protocol.TriggerAnalysis{}))

	sent := conn.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, protocol.HighlightNode{NodeID: "4:2"}, sent[1])
	assert.Equal(t, protocol.TriggerAnalysis{}, sent[2])
}

func TestSend_WriteFailureEvicts(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin})

	conn.mu.Lock()
	conn.fail = true
	conn.mu.Unlock()

	assert.Equal(t, WriteFailed, h.router.Send(id, protocol.Notify{Message: "x"}))
	_, ok := h.reg.Get(id)
	assert.False(t, ok)
	assert.True(t, conn.isClosed())
	assert.Contains(t, h.history.snapshot(), historyCall{"disconnect", id, store.EndReasonWriteFailed})

	assert.Equal(t, ClientNotFound, h.router.Send(id, protocol.Notify{Message: "x"}))
}

func TestBroadcast_OneClientClosedMidBroadcast(t *testing.T) {
	h := newHarness(t, registry.Options{})
	alive := &fakeConn{}
	dying := &fakeConn{}
	aliveID := h.register(t, alive, protocol.Register{ClientType: protocol.ClientWidget})
	dyingID := h.register(t, dying, protocol.Register{ClientType: protocol.ClientWidget})

	require.NoError(t, dying.Close())
	before := h.changeCount()

	report := h.router.Broadcast(protocol.TriggerAnalysis{}, All())

	assert.Equal(t, Report{aliveID: Delivered, dyingID: WriteFailed}, report)
	assert.Equal(t, []string{aliveID}, report.Delivered())
	assert.Equal(t, []string{dyingID}, report.Failed())
	assert.Equal(t, before+1, h.changeCount(), "exactly one removal")

	sent := alive.sent()
	assert.Equal(t, protocol.TriggerAnalysis{}, sent[len(sent)-1])
}

func TestBroadcast_SlowClientDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, registry.Options{})
	release := make(chan struct{})
	fastDone := make(chan struct{})

	slow := &fakeConn{}
	fast := &fakeConn{}
	h.register(t, slow, protocol.Register{ClientType: protocol.ClientWidget})
	h.register(t, fast, protocol.Register{ClientType: protocol.ClientWidget})
	slow.onSend = func(protocol.Outbound) { <-release }
	fast.onSend = func(protocol.Outbound) { close(fastDone) }

	reportCh := make(chan Report, 1)
	go func() { reportCh <- h.router.Broadcast(protocol.Ping{}, nil) }()

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast client waited on slow client")
	}
	close(release)

	report := <-reportCh
	assert.Len(t, report.Delivered(), 2)
}

func TestBroadcast_Filters(t *testing.T) {
	h := newHarness(t, registry.Options{})
	plugin := h.register(t, &fakeConn{}, protocol.Register{ClientType: protocol.ClientPlugin, FileKey: "F1"})
	w1 := h.register(t, &fakeConn{}, protocol.Register{ClientType: protocol.ClientWidget, FileKey: "F1"})
	w2 := h.register(t, &fakeConn{}, protocol.Register{ClientType: protocol.ClientWidget, FileKey: "F2"})

	assert.Equal(t, Report{plugin: Delivered}, h.router.Broadcast(protocol.Ping{}, ByType(protocol.ClientPlugin)))
	assert.Equal(t, Report{w1: Delivered, w2: Delivered}, h.router.Broadcast(protocol.Ping{}, ByType(protocol.ClientWidget)))
	assert.Equal(t, Report{plugin: Delivered, w1: Delivered}, h.router.Broadcast(protocol.Ping{}, ByFileKey("F1")))
	assert.Equal(t, Report{w2: Delivered}, h.router.Broadcast(protocol.Ping{}, ByIDs(w2, "ghost")))
	assert.Equal(t, Report{w1: Delivered}, h.router.Broadcast(protocol.Ping{}, And(ByType(protocol.ClientWidget), ByFileKey("F1"))))
	assert.Empty(t, h.router.Broadcast(protocol.Ping{}, ByIDs()))
}

func TestEvict_IsIdempotentAcrossPaths(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientWidget})
	before := h.changeCount()

	assert.True(t, h.router.Evict(id, store.EndReasonHeartbeatTimeout))
	assert.False(t, h.router.Evict(id, store.EndReasonHeartbeatTimeout))
	h.router.HandleClose(conn)

	assert.Equal(t, before+1, h.changeCount())
	assert.True(t, conn.isClosed())

	var disconnects []historyCall
	for _, c := range h.history.snapshot() {
		if c.op == "disconnect" {
			disconnects = append(disconnects, c)
		}
	}
	assert.Equal(t, []historyCall{{"disconnect", id, store.EndReasonHeartbeatTimeout}}, disconnects)
}

func TestExecuteCode_ResolvesMatchingResult(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin})

	conn.onSend = func(msg protocol.Outbound) {
		exec, ok := msg.(protocol.ExecuteCode)
		if !ok {
			return
		}
		go func() {
			res := protocol.ExecuteCodeResult{ID: exec.ID, Success: true, Result: []byte(`42`)}
			h.router.HandleMessage(conn, res)
			h.router.HandleMessage(conn, res)
		}()
	}

	res, err := h.router.ExecuteCode(testContext(t), id, "return 42", time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `42`, string(res.Result))

	sent := conn.sent()
	exec := sent[len(sent)-1].(protocol.ExecuteCode)
	assert.Equal(t, "return 42", exec.Code)
	assert.Equal(t, 1000, exec.Timeout)
	assert.NotEmpty(t, exec.ID)

	require.Eventually(t, func() bool { return len(h.received()) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.received(), 1, "duplicate result is dropped")
	assert.Zero(t, h.router.PendingExecutions())
}

func TestHandleMessage_ForwardsResultWithoutID(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin})

	res := protocol.ExecuteCodeResult{Success: true, Result: []byte(`"done"`)}
	h.router.HandleMessage(conn, res)
	h.router.HandleMessage(conn, res)

	got := h.received()
	require.Len(t, got, 2, "id-less results are not deduplicated")
	assert.Equal(t, id, got[0].clientID)
	assert.Equal(t, res, got[0].msg)
	assert.Zero(t, h.router.PendingExecutions())
}

func TestExecuteCode_IgnoresResultFromOtherClient(t *testing.T) {
	h := newHarness(t, registry.Options{})
	target := &fakeConn{}
	other := &fakeConn{}
	id := h.register(t, target, protocol.Register{ClientType: protocol.ClientPlugin})
	h.register(t, other, protocol.Register{ClientType: protocol.ClientWidget})

	target.onSend = func(msg protocol.Outbound) {
		if exec, ok := msg.(protocol.ExecuteCode); ok {
			go h.router.HandleMessage(other, protocol.ExecuteCodeResult{ID: exec.ID, Success: true})
		}
	}

	_, err := h.router.ExecuteCode(testContext(t), id, "x", 100*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteCode_Timeout(t *testing.T) {
	h := newHarness(t, registry.Options{})
	id := h.register(t, &fakeConn{}, protocol.Register{ClientType: protocol.ClientPlugin})

	_, err := h.router.ExecuteCode(testContext(t), id, "while(true){}", 30*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.router.PendingExecutions())
}

func TestExecuteCode_ClientGone(t *testing.T) {
	h := newHarness(t, registry.Options{})
	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin})

	conn.onSend = func(msg protocol.Outbound) {
		if _, ok := msg.(protocol.ExecuteCode); ok {
			go h.router.HandleClose(conn)
		}
	}

	_, err := h.router.ExecuteCode(testContext(t), id, "x", 5*time.Second)
	assert.ErrorIs(t, err, ErrClientGone)
}

func TestExecuteCode_Errors(t *testing.T) {
	h := newHarness(t, registry.Options{})

	_, err := h.router.ExecuteCode(testContext(t), "ghost", "x", time.Second)
	assert.ErrorIs(t, err, ErrClientNotFound)

	_, err = h.router.ExecuteCode(testContext(t), "ghost", "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyCode)

	conn := &fakeConn{}
	id := h.register(t, conn, protocol.Register{ClientType: protocol.ClientPlugin})
	conn.mu.Lock()
	conn.fail = true
	conn.mu.Unlock()

	_, err = h.router.ExecuteCode(testContext(t), id, "x", time.Second)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Zero(t, h.router.PendingExecutions())
}

// testContext returns a context that is cancelled when the test finishes,
// mirroring testing.T.Context (Go 1.24+) for older toolchains.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
