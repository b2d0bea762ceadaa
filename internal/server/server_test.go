package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gocomet/internal/config"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/kv/kvtest"
	"github.com/Tyrowin/gocomet/internal/logger"
	"github.com/Tyrowin/gocomet/internal/relay"
	"github.com/Tyrowin/gocomet/internal/session"
	"github.com/Tyrowin/gocomet/internal/worker"
	"github.com/Tyrowin/gocomet/test/testhelpers"
)

const waitFor = 2 * time.Second

type testModule struct {
	id       string
	bindings worker.Bindings
}

func (m *testModule) ID() string                       { return m.id }
func (m *testModule) Bindings() worker.Bindings        { return m.bindings }
func (m *testModule) Initialize(context.Context) error { return nil }

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	store  *kv.Store
	worker *worker.Worker
}

func newTestEnv(t *testing.T, customize func(*Options), modules ...worker.Module) *testEnv {
	t.Helper()
	store, _ := kvtest.New(t)
	log := logger.Discard()
	rl := relay.New(store.Client(), "w1", log)
	t.Cleanup(func() { _ = rl.Close() })

	mgr := session.NewManager(session.Options{
		WorkerID:       "w1",
		Secret:         "secret",
		AllowAnonymous: true,
		OnlineTTL:      time.Minute,
		OnlineRefresh:  time.Hour,
	}, store, rl, nil, log)
	w := worker.New(worker.Options{ID: "w1", ReconnectTimeout: time.Hour},
		worker.Deps{KV: store, Relay: rl, Sessions: mgr, Bus: events.NewBus(log)}, log)
	for _, m := range modules {
		if err := w.RegisterModule(context.Background(), m); err != nil {
			t.Fatalf("RegisterModule(%s): %v", m.ID(), err)
		}
	}

	opts := Options{RateLimit: config.RateLimitConfig{Burst: 50, RefillInterval: time.Second}}
	if customize != nil {
		customize(&opts)
	}
	srv := New(opts, w, log)
	srv.StartHub()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Hub().Shutdown(time.Second)
	})
	return &testEnv{srv: srv, http: ts, store: store, worker: w}
}

func (e *testEnv) dial(t *testing.T, query url.Values) *websocket.Conn {
	t.Helper()
	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(e.http.URL, query), "")
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func echoModule() *testModule {
	return &testModule{id: "echo", bindings: worker.Bindings{
		Socket: map[string]worker.SocketHandler{
			"echo": func(_ context.Context, req *worker.Request) error {
				return req.Reply.Send(nil, map[string]string{"text": req.Payload.String("text")})
			},
			"boom": func(context.Context, *worker.Request) error {
				panic("kaboom")
			},
			"fail": func(context.Context, *worker.Request) error {
				return errors.New("handler failed")
			},
			"multi": func(_ context.Context, req *worker.Request) error {
				return req.Reply.SendCode("echo", nil, "from echo")
			},
		},
	}}
}

func mirrorModule() *testModule {
	return &testModule{id: "mirror", bindings: worker.Bindings{
		Socket: map[string]worker.SocketHandler{
			"multi": func(_ context.Context, req *worker.Request) error {
				return req.Reply.SendCode("mirror", nil, "from mirror")
			},
		},
	}}
}

func TestConnectReceivesTokenThenReady(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, nil)

	pci := testhelpers.ExpectEvent(t, conn, "set:pci", waitFor)
	if token, _ := pci["id"].(string); len(token) != 64 {
		t.Errorf("Expected a 64-char token, got %q", token)
	}
	testhelpers.ExpectEvent(t, conn, "ready", waitFor)
}

func TestRejectedConnectionGetsErrorFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.SAdd(context.Background(), kv.Blacklist, "127.0.0.1"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	conn := env.dial(t, nil)

	frame := testhelpers.ExpectEvent(t, conn, "error", waitFor)
	if frame["type"] != "CONNECTION_REJECTED" || frame["code"] != "REAUTHORIZE" {
		t.Errorf("Unexpected rejection frame: %v", frame)
	}

	if _, err := testhelpers.ReceiveFrame(conn, waitFor); err == nil {
		t.Error("Expected the connection to be closed after rejection")
	}
}

func TestResumeWithTokenSkipsNewToken(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.dial(t, nil)
	pci := testhelpers.ExpectEvent(t, first, "set:pci", waitFor)
	testhelpers.ExpectEvent(t, first, "ready", waitFor)
	token := pci["id"].(string)
	_ = testhelpers.CloseWebSocket(first)

	// Wait for the disconnect to persist the record.
	deadline := time.Now().Add(waitFor)
	for env.srv.Hub().Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	second := env.dial(t, url.Values{"t_pci": {token}})
	frame, err := testhelpers.ReceiveFrame(second, waitFor)
	if err != nil {
		t.Fatalf("ReceiveFrame: %v", err)
	}
	if frame.Event() != "ready" {
		t.Errorf("Expected ready without a new token, got %v", frame)
	}
}

func TestReplyCarriesQueryID(t *testing.T) {
	env := newTestEnv(t, nil, echoModule())
	conn := env.dial(t, nil)
	testhelpers.ExpectEvent(t, conn, "ready", waitFor)

	if err := testhelpers.SendEvent(conn, "echo", 7, map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	reply := testhelpers.ExpectEvent(t, conn, "qres", waitFor)
	if reply["q"] != float64(7) || reply["success"] != true {
		t.Fatalf("Unexpected reply: %v", reply)
	}
	data, _ := reply["data"].(map[string]any)
	if data["text"] != "hi" {
		t.Errorf("Expected echoed text, got %v", reply["data"])
	}
}

func TestMultiHandlerReplyAggregates(t *testing.T) {
	env := newTestEnv(t, nil, echoModule(), mirrorModule())
	conn := env.dial(t, nil)
	testhelpers.ExpectEvent(t, conn, "ready", waitFor)

	if err := testhelpers.SendEvent(conn, "multi", 1, nil); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	reply := testhelpers.ExpectEvent(t, conn, "qres", waitFor)
	data, _ := reply["data"].(map[string]any)
	if data["echo"] != "from echo" || data["mirror"] != "from mirror" {
		t.Errorf("Unexpected aggregate: %v", reply)
	}
	testhelpers.ExpectNoMessage(t, conn, 100*time.Millisecond)
}

func TestHandlerFailuresAnswerOnce(t *testing.T) {
	env := newTestEnv(t, nil, echoModule())
	conn := env.dial(t, nil)
	testhelpers.ExpectEvent(t, conn, "ready", waitFor)

	for q, event := range map[int]string{1: "boom", 2: "fail"} {
		if err := testhelpers.SendEvent(conn, event, q, nil); err != nil {
			t.Fatalf("SendEvent: %v", err)
		}
		reply := testhelpers.ExpectEvent(t, conn, "qres", waitFor)
		if reply["success"] != false || reply["q"] != float64(q) {
			t.Errorf("%s: expected a failure reply, got %v", event, reply)
		}
	}

	// The connection survives handler failures.
	if err := testhelpers.SendEvent(conn, "echo", 3, map[string]any{"text": "still here"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	reply := testhelpers.ExpectEvent(t, conn, "qres", waitFor)
	if reply["success"] != true {
		t.Errorf("Expected success after failures, got %v", reply)
	}
}

func TestFramesWithoutEventAreDropped(t *testing.T) {
	env := newTestEnv(t, nil, echoModule())
	conn := env.dial(t, nil)
	testhelpers.ExpectEvent(t, conn, "ready", waitFor)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"q":1}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := testhelpers.SendEvent(conn, "unknown", 2, nil); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	testhelpers.ExpectNoMessage(t, conn, 200*time.Millisecond)
}

func TestRateLimitDiscardsExcessFrames(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	}, echoModule())
	conn := env.dial(t, nil)
	testhelpers.ExpectEvent(t, conn, "ready", waitFor)

	for q := 1; q <= 5; q++ {
		if err := testhelpers.SendEvent(conn, "echo", q, map[string]any{"text": "x"}); err != nil {
			t.Fatalf("SendEvent: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		testhelpers.ExpectEvent(t, conn, "qres", waitFor)
	}
	testhelpers.ExpectNoMessage(t, conn, 200*time.Millisecond)
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxMessageSize = 64 }, echoModule())
	conn := env.dial(t, nil)
	testhelpers.ExpectEvent(t, conn, "ready", waitFor)

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'a'
	}
	if err := testhelpers.SendEvent(conn, "echo", 1, map[string]any{"text": string(big)}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if _, err := testhelpers.ReceiveFrame(conn, waitFor); err == nil {
		t.Error("Expected the connection to close")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := testhelpers.MakeRequest(t, http.MethodGet, env.http.URL+"/")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.http.URL+"/nope")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

func TestWebSocketEndpointRequiresGet(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := testhelpers.MakeRequest(t, http.MethodPost, env.http.URL+"/ws")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

func TestHubShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, nil)
	testhelpers.ExpectEvent(t, conn, "ready", waitFor)

	if err := env.srv.Hub().Shutdown(waitFor); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := testhelpers.ReceiveFrame(conn, waitFor); err == nil {
		t.Error("Expected the connection to close on shutdown")
	}
}
