package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"convsync/internal/domain"

	"nhooyr.io/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testServer acks every request, echoes "ping_me" as "pong" and can drop
// all connections on demand.
type testServer struct {
	t     *testing.T
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
	paths []string
	auths []string
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.paths = append(ts.paths, r.URL.Path+"?"+r.URL.RawQuery)
	ts.auths = append(ts.auths, r.Header.Get("Authorization"))
	ts.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		var reply Frame
		switch {
		case f.AckID != "":
			reply, _ = NewFrame(EventAck, AckReply{Success: f.Event != "deny"})
			reply.AckID = f.AckID
		case f.Event == "ping_me":
			reply, _ = NewFrame("pong", "hello")
		default:
			continue
		}
		out, _ := json.Marshal(reply)
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
	ts.conns = nil
}

type recordingListener struct {
	mu       sync.Mutex
	frames   []Frame
	statuses []Status
	changed  chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{changed: make(chan struct{}, 64)}
}

func (l *recordingListener) OnFrame(_ string, f Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
	l.signal()
}

func (l *recordingListener) OnStatus(_ string, st Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, st)
	l.mu.Unlock()
	l.signal()
}

func (l *recordingListener) signal() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *recordingListener) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		l.mu.Lock()
		ok := cond()
		l.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-l.changed:
		case <-deadline:
			t.Fatal("condition not reached")
		}
	}
}

func newClient(ts *testServer, l Listener) *Client {
	return New(Config{
		URL:                ts.srv.URL,
		Namespace:          "conversation",
		UserID:             "u1",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		AckTimeout:         2 * time.Second,
		Listener:           l,
		Logger:             testLogger(),
	})
}

func TestClient_ConnectRequiresUser(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", Namespace: "conversation"})
	if err := c.Connect(context.Background()); !errors.Is(err, domain.ErrEmptyUserID) {
		t.Errorf("expected ErrEmptyUserID, got %v", err)
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", Namespace: "conversation", UserID: "u1", Logger: testLogger()})
	err := c.Connect(context.Background())
	var ce *domain.ConnectionError
	if !errors.As(err, &ce) || ce.Namespace != "conversation" {
		t.Errorf("expected ConnectionError, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s", c.State())
	}
}

func TestClient_EndpointCarriesNamespaceAndUser(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(ts, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ts.mu.Lock()
	path := ts.paths[0]
	ts.mu.Unlock()
	if !strings.HasPrefix(path, "/ws/conversation?") || !strings.Contains(path, "userId=u1") {
		t.Errorf("path = %s", path)
	}
}

func TestClient_SendsBearerToken(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{
		URL:       ts.srv.URL,
		Namespace: "notifications",
		UserID:    "u1",
		Token:     "secret-token",
		Logger:    testLogger(),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ts.mu.Lock()
	auth := ts.auths[0]
	ts.mu.Unlock()
	if auth != "Bearer secret-token" {
		t.Errorf("authorization = %q", auth)
	}
}

func TestClient_RequestAck(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(ts, nil)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ack, err := c.Request(ctx, "join", map[string]string{"room": "dm_12"})
	if err != nil {
		t.Fatal(err)
	}
	var reply AckReply
	if err := ack.Decode(0, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.Success {
		t.Error("expected success")
	}

	ack, _ = c.Request(ctx, "deny")
	_ = ack.Decode(0, &reply)
	if reply.Success {
		t.Error("expected failure ack")
	}
}

func TestClient_EmitAndReceive(t *testing.T) {
	ts := newTestServer(t)
	l := newRecordingListener()
	c := newClient(ts, l)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Emit(context.Background(), "ping_me"); err != nil {
		t.Fatal(err)
	}
	l.waitFor(t, func() bool { return len(l.frames) == 1 })

	var s string
	if err := l.frames[0].Decode(0, &s); err != nil || l.frames[0].Event != "pong" || s != "hello" {
		t.Errorf("frame = %+v", l.frames[0])
	}
}

func TestClient_Reconnects(t *testing.T) {
	ts := newTestServer(t)
	l := newRecordingListener()
	c := newClient(ts, l)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ts.dropAll()

	l.waitFor(t, func() bool {
		for _, st := range l.statuses {
			if st.State == StateConnected && st.Reconnected {
				return true
			}
		}
		return false
	})
	if c.State() != StateConnected {
		t.Errorf("state = %s", c.State())
	}
	if _, err := c.Request(context.Background(), "join"); err != nil {
		t.Errorf("request after reconnect: %v", err)
	}
}

func TestClient_EmitWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", Namespace: "conversation", UserID: "u1"})
	if err := c.Emit(context.Background(), "sendMessage"); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_CloseStopsReconnecting(t *testing.T) {
	ts := newTestServer(t)
	l := newRecordingListener()
	c := newClient(ts, l)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Close()
	time.Sleep(100 * time.Millisecond)

	if c.State() != StateDisconnected {
		t.Errorf("state = %s", c.State())
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.statuses {
		if st.Reconnected {
			t.Error("closed client must not reconnect")
		}
	}
}

func TestFrame_Args(t *testing.T) {
	f, err := NewFrame("messages_received", []int{1, 2}, map[string]int{"currentPage": 1})
	if err != nil {
		t.Fatal(err)
	}
	if f.Arg(2) != nil || f.Arg(-1) != nil {
		t.Error("out-of-range args should be nil")
	}
	if err := f.Decode(5, new(int)); err == nil {
		t.Error("decoding a missing arg should fail")
	}
	var ids []int
	if err := f.Decode(0, &ids); err != nil || len(ids) != 2 {
		t.Errorf("ids = %v, err = %v", ids, err)
	}
}
