package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominikbayerl/go-nspirelink/emulator"
	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/shim"
	"github.com/dominikbayerl/go-nspirelink/types"
)

func TestMain(m *testing.M) {
	shim.Install(nil)
	os.Exit(m.Run())
}

type collector struct {
	updates []types.ProgressUpdate
}

func (c *collector) Notify(u types.ProgressUpdate) { c.updates = append(c.updates, u) }

func newCalc(t *testing.T) *emulator.Calculator {
	t.Helper()
	calc, err := emulator.New(fstest.MapFS{
		"documents/a.tns": &fstest.MapFile{Data: []byte("hello nspire")},
	})
	require.NoError(t, err)
	return calc
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func openParams() OpenParams {
	return OpenParams{VendorID: nspire.VendorID, ProductID: nspire.ProductID}
}

func TestDispatcherOpenAndCall(t *testing.T) {
	calc := newCalc(t)
	col := &collector{}
	d := NewDispatcher(calc, calc, col, Options{Allowed: nspire.IsSupported}, nil)
	defer d.Close()

	resp := d.Call(Request{ID: 1, Method: MethodOpen, Params: params(t, openParams())})
	require.Empty(t, resp.Error)
	open, ok := resp.Result.(OpenResult)
	require.True(t, ok)
	assert.Equal(t, uint32(1), open.Session)
	assert.Equal(t, 1, d.Sessions())

	resp = d.Call(Request{ID: 2, Method: MethodCreateDirectory, Params: params(t, PathParams{Session: open.Session, Path: "/documents/test"})})
	require.Empty(t, resp.Error)

	resp = d.Call(Request{ID: 3, Method: MethodList, Params: params(t, PathParams{Session: open.Session, Path: "/documents"})})
	require.Empty(t, resp.Error)
	entries, ok := resp.Result.([]types.FileEntry)
	require.True(t, ok)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "/documents/test")

	resp = d.Call(Request{ID: 4, Method: MethodRead, Params: params(t, ReadParams{Session: open.Session, Path: "/documents/a.tns", Size: 12})})
	require.Empty(t, resp.Error)
	assert.Equal(t, []byte("hello nspire"), resp.Result)

	resp = d.Call(Request{ID: 5, Method: MethodCopy, Params: params(t, TransferParams{Session: open.Session, Src: "/documents/a.tns", Dst: "/documents/b.tns"})})
	require.Empty(t, resp.Error)
	resp = d.Call(Request{ID: 6, Method: MethodMove, Params: params(t, TransferParams{Session: open.Session, Src: "/documents/b.tns", Dst: "/documents/test/b.tns"})})
	require.Empty(t, resp.Error)
	resp = d.Call(Request{ID: 7, Method: MethodDelete, Params: params(t, PathParams{Session: open.Session, Path: "/documents/test/b.tns"})})
	require.Empty(t, resp.Error)
	resp = d.Call(Request{ID: 8, Method: MethodDeleteDirectory, Params: params(t, PathParams{Session: open.Session, Path: "/documents/test"})})
	require.Empty(t, resp.Error)

	image := bytes.Repeat([]byte{7}, 600)
	resp = d.Call(Request{ID: 9, Method: MethodPushFirmware, Params: params(t, FirmwareParams{Session: open.Session, Data: image})})
	require.Empty(t, resp.Error)
	assert.Equal(t, image, calc.OSImage())
	require.NotEmpty(t, col.updates)
	last := col.updates[len(col.updates)-1]
	assert.Equal(t, types.ProgressUpdate{Remaining: 0, Total: 600}, last)

	resp = d.Call(Request{ID: 10, Method: MethodStatus, Params: params(t, SessionParams{Session: open.Session})})
	require.Empty(t, resp.Error)
	_, ok = resp.Result.(types.DeviceInfo)
	assert.True(t, ok)

	resp = d.Call(Request{ID: 11, Method: MethodClose, Params: params(t, SessionParams{Session: open.Session})})
	require.Empty(t, resp.Error)
	assert.Equal(t, 0, d.Sessions())
	assert.False(t, calc.Opened())
}

func TestDispatcherErrors(t *testing.T) {
	calc := newCalc(t)
	d := NewDispatcher(calc, calc, nil, Options{Allowed: nspire.IsSupported}, nil)
	defer d.Close()

	cases := []struct {
		name string
		req  Request
		kind string
	}{
		{"disallowed device", Request{Method: MethodOpen, Params: params(t, OpenParams{VendorID: 0x1234, ProductID: 1})}, "open"},
		{"missing params", Request{Method: MethodOpen}, "argument"},
		{"malformed params", Request{Method: MethodList, Params: json.RawMessage(`{"session":"x"}`)}, "argument"},
		{"unknown session", Request{Method: MethodStatus, Params: params(t, SessionParams{Session: 99})}, "session"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := d.Call(tc.req)
			assert.Nil(t, resp.Result)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tc.kind, resp.Kind)
		})
	}

	resp := d.Call(Request{ID: 1, Method: MethodOpen, Params: params(t, openParams())})
	require.Empty(t, resp.Error)
	session := resp.Result.(OpenResult).Session

	resp = d.Call(Request{ID: 2, Method: "format", Params: params(t, SessionParams{Session: session})})
	assert.Equal(t, "argument", resp.Kind)

	resp = d.Call(Request{ID: 3, Method: MethodList, Params: params(t, PathParams{Session: session, Path: "/missing"})})
	assert.Equal(t, uint64(3), resp.ID)
	assert.Equal(t, "protocol", resp.Kind)
}

func TestDispatcherLimitsReadSize(t *testing.T) {
	calc := newCalc(t)
	d := NewDispatcher(calc, calc, nil, Options{MaxRead: 1024}, nil)
	defer d.Close()

	resp := d.Call(Request{Method: MethodOpen, Params: params(t, openParams())})
	require.Empty(t, resp.Error)
	session := resp.Result.(OpenResult).Session

	resp = d.Call(Request{ID: 2, Method: MethodRead, Params: params(t, ReadParams{Session: session, Path: "/documents/missing.tns", Size: 0xFFFFFFFF})})
	assert.Nil(t, resp.Result)
	assert.Equal(t, "argument", resp.Kind)
	assert.Contains(t, resp.Error, "exceeds limit")

	resp = d.Call(Request{ID: 3, Method: MethodRead, Params: params(t, ReadParams{Session: session, Path: "/documents/a.tns", Size: 1024})})
	require.Empty(t, resp.Error)
	assert.Equal(t, []byte("hello nspire"), resp.Result)

	def := NewDispatcher(calc, calc, nil, Options{}, nil)
	assert.Equal(t, uint32(DefaultMaxRead), def.maxRead)
}

func TestDispatcherProgressWindow(t *testing.T) {
	write := func(window int) []types.ProgressUpdate {
		calc := newCalc(t)
		col := &collector{}
		d := NewDispatcher(calc, calc, col, Options{ProgressWindow: window}, nil)
		defer d.Close()

		resp := d.Call(Request{Method: MethodOpen, Params: params(t, openParams())})
		require.Empty(t, resp.Error)
		session := resp.Result.(OpenResult).Session
		data := bytes.Repeat([]byte{1}, emulator.DefaultChunkSize*12)
		resp = d.Call(Request{Method: MethodWrite, Params: params(t, WriteParams{Session: session, Path: "/documents/w.tns", Data: data})})
		require.Empty(t, resp.Error)
		return col.updates
	}

	assert.Len(t, write(0), 12, "zero window reports every chunk")
	throttled := write(-1)
	assert.Len(t, throttled, 3, "negative window selects the default")
	assert.True(t, throttled[len(throttled)-1].Done())
}

func TestDispatcherDropsDisconnectedSession(t *testing.T) {
	calc := newCalc(t)
	d := NewDispatcher(calc, calc, nil, Options{}, nil)
	defer d.Close()

	resp := d.Call(Request{Method: MethodOpen, Params: params(t, openParams())})
	require.Empty(t, resp.Error)
	session := resp.Result.(OpenResult).Session

	calc.Disconnect()
	resp = d.Call(Request{Method: MethodStatus, Params: params(t, SessionParams{Session: session})})
	assert.Equal(t, "transport", resp.Kind)
	assert.Equal(t, 0, d.Sessions())
}

func TestDispatcherWriteProgress(t *testing.T) {
	calc := newCalc(t)
	col := &collector{}
	d := NewDispatcher(calc, calc, col, Options{ProgressWindow: 5}, nil)
	defer d.Close()

	resp := d.Call(Request{Method: MethodOpen, Params: params(t, openParams())})
	require.Empty(t, resp.Error)
	session := resp.Result.(OpenResult).Session

	resp = d.Call(Request{Method: MethodWrite, Params: params(t, WriteParams{Session: session, Path: "/documents/a.tns", Data: bytes.Repeat([]byte{1}, 1000)})})
	require.Empty(t, resp.Error)
	require.NotEmpty(t, col.updates)
	assert.True(t, col.updates[len(col.updates)-1].Done())
}

// message is the union of everything the server sends.
type message struct {
	ID        *uint64         `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	Kind      string          `json:"kind"`
	Remaining *uint32         `json:"remaining"`
	Total     *uint32         `json:"total"`
}

type client struct {
	t    *testing.T
	c    *websocket.Conn
	next uint64
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	c.SetReadLimit(1 << 20)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return &client{t: t, c: c}
}

// call sends method and returns the progress updates seen before its response.
func (cl *client) call(method string, p any) (message, []message) {
	cl.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cl.next++
	req := Request{ID: cl.next, Method: method, Params: params(cl.t, p)}
	require.NoError(cl.t, wsjson.Write(ctx, cl.c, req))

	var progress []message
	for {
		var m message
		require.NoError(cl.t, wsjson.Read(ctx, cl.c, &m))
		if m.ID == nil {
			progress = append(progress, m)
			continue
		}
		require.Equal(cl.t, cl.next, *m.ID)
		return m, progress
	}
}

func TestServerWriteOverWebsocket(t *testing.T) {
	calc := newCalc(t)
	cl := dial(t, New(calc, calc, Options{Allowed: nspire.IsSupported, OutboxSize: 256}, nil))

	resp, _ := cl.call(MethodOpen, openParams())
	require.Empty(t, resp.Error)
	var open OpenResult
	require.NoError(t, json.Unmarshal(resp.Result, &open))

	data := bytes.Repeat([]byte{0x5A}, 1000)
	resp, progress := cl.call(MethodWrite, WriteParams{Session: open.Session, Path: "/documents/big.tns", Data: data})
	require.Empty(t, resp.Error)
	require.NotEmpty(t, progress)
	for _, p := range progress {
		require.NotNil(t, p.Total)
		assert.Equal(t, uint32(1000), *p.Total)
	}
	last := progress[len(progress)-1]
	assert.Equal(t, uint32(0), *last.Remaining)

	resp, _ = cl.call(MethodRead, ReadParams{Session: open.Session, Path: "/documents/big.tns", Size: 1000})
	require.Empty(t, resp.Error)
	var got []byte
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, data, got)
}

func TestServerRejectsInvalidVendor(t *testing.T) {
	calc := newCalc(t)
	cl := dial(t, New(calc, calc, Options{Allowed: nspire.IsSupported}, nil))

	resp, _ := cl.call(MethodOpen, OpenParams{VendorID: 0x1234, ProductID: 0x0001})
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, "open", resp.Kind)
	assert.False(t, calc.Opened())
}

func TestServerMalformedRequest(t *testing.T) {
	calc := newCalc(t)
	cl := dial(t, New(calc, calc, Options{}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cl.c.Write(ctx, websocket.MessageText, []byte("{not json")))

	var m message
	require.NoError(t, wsjson.Read(ctx, cl.c, &m))
	require.NotNil(t, m.ID)
	assert.Equal(t, "argument", m.Kind)
	assert.NotEmpty(t, m.Error)
}

func TestServerClosesSessionsOnDisconnect(t *testing.T) {
	calc := newCalc(t)
	cl := dial(t, New(calc, calc, Options{}, nil))

	resp, _ := cl.call(MethodOpen, openParams())
	require.Empty(t, resp.Error)
	require.True(t, calc.Opened())

	require.NoError(t, cl.c.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return !calc.Opened() }, 5*time.Second, 10*time.Millisecond)
}

func TestOutboxDropsProgressWhenFull(t *testing.T) {
	out := newOutbox(1)
	out.Notify(types.ProgressUpdate{Remaining: 2, Total: 2})
	out.Notify(types.ProgressUpdate{Remaining: 1, Total: 2})

	require.Len(t, out.ch, 1)
	assert.Equal(t, types.ProgressUpdate{Remaining: 2, Total: 2}, <-out.ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out.Notify(types.ProgressUpdate{})
	assert.ErrorIs(t, out.result(ctx, Response{ID: 1}), context.Canceled)
}
