package main

import (
	"encoding/json"
	"flag"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"reflect"
	"strings"
	"testing"
	"testing/quick"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var seed *int64

func TestMain(m *testing.M) {
	seed = flag.Int64("seed", time.Now().UnixNano(), "Seed for RNG used by fuzzer (default: time in nanoseconds)")
	flag.Parse()
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type testServer struct {
	*httptest.Server
	h *hub
}

func newTestServer(t *testing.T, cfg config) *testServer {
	t.Helper()
	h := newTestHub(t, cfg)
	s := httptest.NewServer(newHandler(h, cfg.origin))
	t.Cleanup(s.Close)
	return &testServer{Server: s, h: h}
}

// client is one browser: a cookie jar shared by its requests and sockets.
type client struct {
	t   *testing.T
	s   *testServer
	jar *cookiejar.Jar
	web *http.Client
}

func newClient(t *testing.T, s *testServer) *client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &client{t: t, s: s, jar: jar, web: &http.Client{Jar: jar, Timeout: 3 * time.Second}}
}

func (c *client) get(path string) (int, []byte) {
	c.t.Helper()
	resp, err := c.web.Get(c.s.URL + path)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatal(err)
	}
	return resp.StatusCode, body
}

func (c *client) getJSON(path string, v any) {
	c.t.Helper()
	status, body := c.get(path)
	if status != http.StatusOK {
		c.t.Fatal("GET", path, "Expectation: 200, Received:", status, string(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.t.Fatal("GET", path, err, string(body))
	}
}

func (c *client) newMessage() Message {
	c.t.Helper()
	var msg Message
	c.getJSON("/api/msg/new", &msg)
	return msg
}

func (c *client) messages() []Message {
	c.t.Helper()
	var msgs []Message
	c.getJSON("/api/msg/get", &msgs)
	return msgs
}

// eventually polls msg/get until ok accepts the log. Keys reach the bus
// before the store, so an echo can arrive before msg/get shows it.
func (c *client) eventually(ok func([]Message) bool) []Message {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var msgs []Message
		status, body := c.get("/api/msg/get")
		if status == http.StatusOK && json.Unmarshal(body, &msgs) == nil && ok(msgs) {
			return msgs
		}
		if time.Now().After(deadline) {
			c.t.Fatal("msg/get never matched, last:", status, string(body))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func textIs(id uint32, want string) func([]Message) bool {
	return func(msgs []Message) bool {
		return int(id) < len(msgs) && msgs[id].Text == want
	}
}

func (c *client) session() string {
	u, _ := url.Parse(c.s.URL + apiPrefix + "/")
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == sessionCookie {
			return ck.Value
		}
	}
	return ""
}

func (c *client) dial(path string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if id := c.session(); id != "" {
		header.Set("Cookie", (&http.Cookie{Name: sessionCookie, Value: id}).String())
	}
	dialer := &websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	return dialer.Dial("ws"+strings.TrimPrefix(c.s.URL, "http")+path, header)
}

func (c *client) mustDial(path string) *websocket.Conn {
	c.t.Helper()
	ws, resp, err := c.dial(path)
	if err != nil {
		c.t.Fatal("dial error:", err, "resp:", resp)
	}
	c.t.Cleanup(func() { ws.Close() })
	return ws
}

func sendKey(t *testing.T, ws *websocket.Conn, key rune) {
	t.Helper()
	if err := ws.WriteMessage(websocket.BinaryMessage, encodeKeyFrame(key)); err != nil {
		t.Fatal("WriteMessage:", err)
	}
}

func readKey(t *testing.T, ws *websocket.Conn) Keystroke {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, p, err := ws.ReadMessage()
	if err != nil {
		t.Fatal("ReadMessage:", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatal("Expectation: binary frame, Received:", mt)
	}
	return parseKeystrokeFrame(t, p)
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, p, err := ws.ReadMessage()
	if err != nil {
		t.Fatal("ReadMessage:", err)
	}
	if mt != websocket.TextMessage {
		t.Fatal("Expectation: text frame, Received:", mt)
	}
	var ev Event
	if err := json.Unmarshal(p, &ev); err != nil {
		t.Fatal(err, string(p))
	}
	return ev
}

func expectClosed(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatal("Expectation: close", code, "Received:", err)
		}
		return
	}
}

func TestTestPage(t *testing.T) {
	s := newTestServer(t, testConfig())
	status, body := newClient(t, s).get("/api/test")
	if status != http.StatusOK || !strings.Contains(string(body), "<html>") {
		t.Fatal("No HTML from server:", status, string(body))
	}
}

func TestMsgGetSeeded(t *testing.T) {
	s := newTestServer(t, testConfig())
	c := newClient(t, s)
	msgs := c.messages()
	if !reflect.DeepEqual(msgs, []Message{{ID: 0, Text: "Hi"}}) {
		t.Fatal("Expectation: [{0 Hi}], Received:", msgs)
	}
	if c.session() == "" {
		t.Fatal("Expectation: msg/get hands out a session cookie")
	}
}

func TestMsgGetBusy(t *testing.T) {
	s := newTestServer(t, testConfig())
	c := newClient(t, s)

	s.h.messages.mu.Lock()
	status, _ := c.get("/api/msg/get")
	s.h.messages.mu.Unlock()
	if status != http.StatusServiceUnavailable {
		t.Fatal("Expectation: 503, Received:", status)
	}
}

func TestMsgNewIdsAreDense(t *testing.T) {
	s := newTestServer(t, testConfig())
	const n = 20
	for i := 0; i < n; i++ {
		// Alternate between clients so ids are not tied to a session.
		msg := newClient(t, s).newMessage()
		if msg != (Message{ID: uint32(i + 1)}) {
			t.Fatal("Expectation:", i+1, "Received:", msg)
		}
	}
	msgs := newClient(t, s).messages()
	if len(msgs) != n+1 {
		t.Fatal("Expectation:", n+1, "Received:", len(msgs))
	}
	for i, msg := range msgs {
		if msg.ID != uint32(i) {
			t.Fatal("Expectation:", i, "Received:", msg.ID)
		}
	}
}

func TestKeyRequiresSession(t *testing.T) {
	s := newTestServer(t, testConfig())
	ws, resp, err := newClient(t, s).dial("/api/ws/key")
	if err == nil {
		ws.Close()
		t.Fatal("Expectation: upgrade refused without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatal("Expectation: 400, Received:", resp)
	}
}

func TestTwoAuthorInterleave(t *testing.T) {
	s := newTestServer(t, testConfig())
	a, b := newClient(t, s), newClient(t, s)

	if msg := a.newMessage(); msg != (Message{ID: 1}) {
		t.Fatal("Expectation: {1 \"\"}, Received:", msg)
	}
	if msg := b.newMessage(); msg != (Message{ID: 2}) {
		t.Fatal("Expectation: {2 \"\"}, Received:", msg)
	}
	wsA := a.mustDial("/api/ws/key")
	wsB := b.mustDial("/api/ws/key")

	sendKey(t, wsA, 'a')
	for _, ws := range []*websocket.Conn{wsA, wsB} {
		if ks := readKey(t, ws); ks != (Keystroke{MessageID: 1, Key: 'a'}) {
			t.Fatal("Expectation: a on 1, Received:", ks)
		}
	}
	sendKey(t, wsB, 'b')
	for _, ws := range []*websocket.Conn{wsA, wsB} {
		if ks := readKey(t, ws); ks != (Keystroke{MessageID: 2, Key: 'b'}) {
			t.Fatal("Expectation: b on 2, Received:", ks)
		}
	}

	want := []Message{{0, "Hi"}, {1, "a"}, {2, "b"}}
	a.eventually(func(msgs []Message) bool { return reflect.DeepEqual(msgs, want) })
}

func TestBackspaceKeptInStore(t *testing.T) {
	s := newTestServer(t, testConfig())
	c := newClient(t, s)
	msg := c.newMessage()
	events := c.mustDial("/api/ws/events")
	ws := c.mustDial("/api/ws/key")

	for _, key := range "hi\b" {
		sendKey(t, ws, key)
		if ks := readKey(t, ws); ks.Key != key {
			t.Fatal("Expectation:", key, "Received:", ks.Key)
		}
	}
	msgs := c.eventually(textIs(msg.ID, "hi\u0008"))
	if len(msgs[msg.ID].Text) != 3 {
		t.Fatal("Expectation: 3 bytes, Received:", len(msgs[msg.ID].Text))
	}

	// Keystrokes never show up on the events channel
	events.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, p, err := events.ReadMessage(); err == nil {
		t.Fatal("Expectation: no events, Received:", string(p))
	}
}

func TestSingleAuthorOrder(t *testing.T) {
	t.Log("TestSingleAuthorOrder: RNG seed:", *seed, "(command line flag '-seed N')")
	rnd := rand.New(rand.NewSource(*seed))
	s := newTestServer(t, testConfig())
	author, watcher := newClient(t, s), newClient(t, s)
	msg := author.newMessage()
	watcher.newMessage()
	wsAuthor := author.mustDial("/api/ws/key")
	wsWatcher := watcher.mustDial("/api/ws/key")

	v, ok := quick.Value(reflect.TypeOf(""), rnd)
	if !ok {
		t.Fatal("Failed to create a quick value")
	}
	keys := []rune(strings.ToValidUTF8(v.Interface().(string), "?") + "\bend")
	for _, key := range keys {
		sendKey(t, wsAuthor, key)
	}
	for i, key := range keys {
		ks := readKey(t, wsWatcher)
		if ks != (Keystroke{MessageID: msg.ID, Key: key}) {
			t.Fatalf("key %d: Expectation: %q on %d, Received: %q on %d", i, key, msg.ID, ks.Key, ks.MessageID)
		}
	}
	author.eventually(textIs(msg.ID, string(keys)))
}

func TestUnboundKeystrokeClosesOnlyThatConnection(t *testing.T) {
	s := newTestServer(t, testConfig())
	bound, unbound := newClient(t, s), newClient(t, s)
	bound.newMessage()
	unbound.messages() // a session, but no message
	wsBound := bound.mustDial("/api/ws/key")
	wsUnbound := unbound.mustDial("/api/ws/key")

	sendKey(t, wsUnbound, 'a')
	expectClosed(t, wsUnbound, websocket.ClosePolicyViolation)

	sendKey(t, wsBound, 'x')
	if ks := readKey(t, wsBound); ks.Key != 'x' {
		t.Fatal("Expectation: x, Received:", ks)
	}
	bound.eventually(func(msgs []Message) bool {
		return len(msgs) == 2 && msgs[0].Text == "Hi" && msgs[1].Text == "x"
	})
}

func TestNewMessageBroadcast(t *testing.T) {
	s := newTestServer(t, testConfig())
	a, b := newClient(t, s), newClient(t, s)
	evA := a.mustDial("/api/ws/events")
	evB := b.mustDial("/api/ws/events")

	msg := a.newMessage()
	want := newMessageEvent(Message{ID: uint32(s.h.messages.len() - 1)})
	if newMessageEvent(msg) != want {
		t.Fatal("Expectation:", want, "Received:", msg)
	}
	for _, ws := range []*websocket.Conn{evA, evB} {
		if ev := readEvent(t, ws); ev != want {
			t.Fatal("Expectation:", want, "Received:", ev)
		}
		// exactly one
		ws.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, p, err := ws.ReadMessage(); err == nil {
			t.Fatal("Expectation: one event, Received another:", string(p))
		}
	}
}

func TestSessionReset(t *testing.T) {
	s := newTestServer(t, testConfig())
	c := newClient(t, s)
	msg := c.newMessage()
	before := c.session()
	ws := c.mustDial("/api/ws/key")

	sendKey(t, ws, 'a')
	if ks := readKey(t, ws); ks.MessageID != msg.ID {
		t.Fatal("Expectation:", msg.ID, "Received:", ks.MessageID)
	}

	if status, _ := c.get("/api/session/new"); status != http.StatusOK {
		t.Fatal("Expectation: 200, Received:", status)
	}
	if _, ok := s.h.authors.lookup(before); ok {
		t.Fatal("Expectation: binding for the old session removed")
	}

	// The socket still speaks for the old session, which can no longer type
	sendKey(t, ws, 'b')
	expectClosed(t, ws, websocket.ClosePolicyViolation)

	c.eventually(func([]Message) bool { return true })
	if after := c.session(); after == "" || after == before {
		t.Fatal("Expectation: a different session, Received:", before, after)
	}
}

func TestOriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.origin = "https://cavalier.example"
	s := newTestServer(t, cfg)

	header := http.Header{"Origin": []string{"https://elsewhere.example"}}
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/api/ws/events", header)
	if err == nil {
		ws.Close()
		t.Fatal("Expectation: foreign origin refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatal("Expectation: 403, Received:", resp)
	}

	header.Set("Origin", cfg.origin)
	ws, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/api/ws/events", header)
	if err != nil {
		t.Fatal("Expectation: matching origin accepted, Received:", err)
	}
	ws.Close()
}

func TestDebugMetrics(t *testing.T) {
	s := newTestServer(t, testConfig())
	c := newClient(t, s)
	c.newMessage()

	status, body := c.get("/debug/metrics")
	if status != http.StatusOK || !strings.Contains(string(body), `"messages.new"`) {
		t.Fatal("Expectation: messages.new in metrics, Received:", status, string(body))
	}
}

func TestIdleKeySocketKeepsTyping(t *testing.T) {
	cfg := testConfig()
	cfg.sessionTTL = 200 * time.Millisecond
	cfg.pingPeriod = 20 * time.Millisecond
	s := newTestServer(t, cfg)
	c := newClient(t, s)
	msg := c.newMessage()
	session := c.session()
	ws := c.mustDial("/api/ws/key")

	// Read-only for well past the session ttl
	time.Sleep(500 * time.Millisecond)

	sendKey(t, ws, 'a')
	if ks := readKey(t, ws); ks.MessageID != msg.ID || ks.Key != 'a' {
		t.Fatal("Expectation:", Keystroke{MessageID: msg.ID, Key: 'a'}, "Received:", ks)
	}
	c.eventually(textIs(msg.ID, "a"))
	if c.session() != session {
		t.Fatal("Expectation: session kept alive by the open socket")
	}
}

func TestSessionNewResetsExpiredSession(t *testing.T) {
	cfg := testConfig()
	cfg.sessionTTL = time.Hour
	s := newTestServer(t, cfg)
	c := newClient(t, s)
	c.newMessage()
	old := c.session()

	// Expired, but not yet swept
	now := time.Now().Add(2 * time.Hour)
	s.h.sessions.mu.Lock()
	s.h.sessions.now = func() time.Time { return now }
	s.h.sessions.mu.Unlock()

	if status, _ := c.get("/api/session/new"); status != http.StatusOK {
		t.Fatal("Expectation: 200, Received:", status)
	}
	if _, ok := s.h.authors.lookup(old); ok {
		t.Fatal("Expectation: binding of the expired session cleared")
	}
	if c.session() == old {
		t.Fatal("Expectation: a fresh session")
	}
}
