package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T, dispatcher *Dispatcher) (string, func()) {
	server := NewServerWithDefaults(context.Background(), dispatcher)
	httpServer := httptest.NewServer(server)
	wsUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return wsUrl, func() {
		server.Close()
		httpServer.Close()
	}
}

func waitFor(t *testing.T, condition func() bool) {
	enterTime := time.Now()
	for {
		if condition() {
			return
		}
		if 2*time.Second < time.Now().Sub(enterTime) {
			t.Fatal("condition never held")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientCommandLoopback(t *testing.T) {
	ctx := context.Background()
	dispatcher := testDispatcher(ctx)
	defer dispatcher.Close()

	dispatcher.RegisterCommand(
		"sum.create",
		func(ctx context.Context, call *Call) (any, error) {
			args := struct {
				A int `json:"a"`
				B int `json:"b"`
			}{}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			assert.Equal(t, 2, args.A)
			assert.Equal(t, 3, args.B)
			return map[string]int{"id": 7}, nil
		},
	)

	wsUrl, shutdown := startTestServer(t, dispatcher)
	defer shutdown()

	client := NewClientWithDefaults(ctx, wsUrl, "alice")
	defer client.Close()

	identity, err := client.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, identity, nil)
	assert.Equal(t, "alice", identity.Name)

	success := make(chan json.RawMessage, 1)
	failure := make(chan error, 1)
	err = client.Command(
		"sum.create",
		map[string]int{"a": 2, "b": 3},
		NewCommandCallback(func(result json.RawMessage, err error) {
			if err != nil {
				failure <- err
			} else {
				success <- result
			}
		}),
	)
	assert.Equal(t, err, nil)

	select {
	case result := <-success:
		parsed := map[string]int{}
		json.Unmarshal(result, &parsed)
		assert.Equal(t, 7, parsed["id"])
	case err := <-failure:
		t.Fatalf("unexpected error: %s", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no callback")
	}

	// exactly one of success/error fires
	select {
	case <-failure:
		t.Fatal("error after success")
	case <-time.After(50 * time.Millisecond):
	}

	// server-reported failures come back typed
	_, err = client.CommandSync(ctx, "foo.bar", nil)
	assert.NotEqual(t, err, nil)
	remoteErr, ok := err.(*RemoteError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "Unknown command: foo.bar", remoteErr.Message)
}

func TestClientQueryLoopback(t *testing.T) {
	ctx := context.Background()
	dispatcher := testDispatcher(ctx)
	defer dispatcher.Close()

	dispatcher.RegisterQuery(
		"seq",
		func(ctx context.Context, call *Call, rows *RowWriter) error {
			params := struct {
				Count int  `json:"count"`
				Fail  bool `json:"fail"`
			}{}
			if err := call.Bind(&params); err != nil {
				return err
			}
			for i := 0; i < params.Count; i += 1 {
				if err := rows.Write(i); err != nil {
					return err
				}
			}
			if params.Fail {
				return &RemoteError{Message: "seq failed"}
			}
			return nil
		},
	)

	wsUrl, shutdown := startTestServer(t, dispatcher)
	defer shutdown()

	client := NewClientWithDefaults(ctx, wsUrl, "alice")
	defer client.Close()

	_, err := client.Connect(ctx)
	assert.Equal(t, err, nil)

	// n rows in order, clean end
	rows, err := client.Query("seq", map[string]any{"count": 5})
	assert.Equal(t, err, nil)
	all, err := rows.All(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 5, len(all))
	for i, row := range all {
		var v int
		json.Unmarshal(row, &v)
		assert.Equal(t, i, v)
	}

	// m rows then failure. the m rows stand
	rows, err = client.Query("seq", map[string]any{"count": 2, "fail": true})
	assert.Equal(t, err, nil)
	all, err = rows.All(ctx)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, 2, len(all))
	remoteErr, ok := err.(*RemoteError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "seq failed", remoteErr.Message)

	// empty stream ends cleanly
	rows, err = client.Query("seq", map[string]any{"count": 0})
	assert.Equal(t, err, nil)
	all, err = rows.All(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(all))

	// unknown query surfaces as a stream failure
	rows, err = client.Query("foo.baz", nil)
	assert.Equal(t, err, nil)
	_, err = rows.All(ctx)
	assert.NotEqual(t, err, nil)
	remoteErr, ok = err.(*RemoteError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "Unknown query: foo.baz", remoteErr.Message)
}

func TestClientEventsLoopback(t *testing.T) {
	ctx := context.Background()
	dispatcher := testDispatcher(ctx)
	defer dispatcher.Close()

	wsUrl, shutdown := startTestServer(t, dispatcher)
	defer shutdown()

	client := NewClientWithDefaults(ctx, wsUrl, "alice")
	defer client.Close()

	_, err := client.Connect(ctx)
	assert.Equal(t, err, nil)

	events := make(chan string, 8)
	client.On("order.*", func(channel string, payload json.RawMessage) {
		events <- channel
	})
	client.Subscribe()

	waitFor(t, func() bool {
		dispatcher.mutex.Lock()
		defer dispatcher.mutex.Unlock()
		return 0 < len(dispatcher.subscriptions["order.*"])
	})

	dispatcher.Emit("order.created", map[string]string{"id": "o1"})
	dispatcher.Emit("invoice.created", map[string]string{"id": "i1"})
	dispatcher.Emit("order.cancelled", map[string]string{"id": "o1"})

	assert.Equal(t, "order.created", <-events)
	// invoice.created was filtered by the server-side index
	assert.Equal(t, "order.cancelled", <-events)
}

func TestClientConnectShared(t *testing.T) {
	ctx := context.Background()
	dispatcher := testDispatcher(ctx)
	defer dispatcher.Close()

	server := NewServerWithDefaults(ctx, dispatcher)
	defer server.Close()

	var upgradeCount int32
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upgradeCount, 1)
		server.ServeHTTP(w, r)
	}))
	defer httpServer.Close()
	wsUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	client := NewClientWithDefaults(ctx, wsUrl, "alice")
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			identity, err := client.Connect(ctx)
			assert.Equal(t, err, nil)
			assert.Equal(t, "alice", identity.Name)
		}()
	}
	wg.Wait()

	// concurrent and repeated calls share one dial
	assert.Equal(t, int32(1), atomic.LoadInt32(&upgradeCount))
	_, err := client.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&upgradeCount))
}

// a raw wire listener, for asserting on frames the Client api hides
func TestClientFireAndForgetWire(t *testing.T) {
	ctx := context.Background()
	dispatcher := testDispatcher(ctx)
	defer dispatcher.Close()

	dispatcher.RegisterCommand(
		"noop",
		func(ctx context.Context, call *Call) (any, error) {
			return map[string]bool{"done": true}, nil
		},
	)
	dispatcher.RegisterCommand(
		"fail",
		func(ctx context.Context, call *Call) (any, error) {
			return nil, &RemoteError{Message: "boom"}
		},
	)

	wsUrl, shutdown := startTestServer(t, dispatcher)
	defer shutdown()

	ws, _, err := websocket.DefaultDialer.Dial(wsUrl+"?token=alice", nil)
	assert.Equal(t, err, nil)
	defer ws.Close()

	readMessage := func() *Message {
		for {
			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, frame, err := ws.ReadMessage()
			assert.Equal(t, err, nil)
			message, err := DecodeMessage(frame)
			assert.Equal(t, err, nil)
			if message.Kind == MessageKindPing {
				continue
			}
			return message
		}
	}

	message := readMessage()
	assert.Equal(t, MessageKindProfile, message.Kind)

	// a fire-and-forget failure still produces an error frame
	err = ws.WriteMessage(websocket.TextMessage, RequireEncodeMessage(&Message{
		Kind: MessageKindCommand,
		Cmd:  "fail",
		Cid:  "c1",
	}))
	assert.Equal(t, err, nil)
	message = readMessage()
	assert.Equal(t, MessageKindCommandError, message.Kind)
	assert.Equal(t, "c1", message.Cid)
	assert.Equal(t, "boom", message.Err)

	// a fire-and-forget success produces no frame at all
	err = ws.WriteMessage(websocket.TextMessage, RequireEncodeMessage(&Message{
		Kind: MessageKindCommand,
		Cmd:  "noop",
		Cid:  "c2",
	}))
	assert.Equal(t, err, nil)
	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, frame, err := ws.ReadMessage()
	if err == nil {
		message, _ := DecodeMessage(frame)
		assert.Equal(t, MessageKindPing, message.Kind)
	}
}

// a scripted raw peer, for asserting on the frames the Client emits
type rawPeer struct {
	t          *testing.T
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	frames chan *Message

	mutex sync.Mutex
	conn  *websocket.Conn
}

func startRawPeer(t *testing.T) (*rawPeer, string) {
	peer := &rawPeer{
		t:      t,
		frames: make(chan *Message, 32),
	}
	peer.httpServer = httptest.NewServer(http.HandlerFunc(peer.serve))
	wsUrl := "ws" + strings.TrimPrefix(peer.httpServer.URL, "http")
	return peer, wsUrl
}

func (self *rawPeer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	self.mutex.Lock()
	self.conn = ws
	self.mutex.Unlock()

	self.write(&Message{Kind: MessageKindProfile})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		message, err := DecodeMessage(frame)
		if err != nil || message.Kind == MessageKindPing {
			continue
		}
		self.frames <- message
	}
}

func (self *rawPeer) write(message *Message) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	err := self.conn.WriteMessage(websocket.TextMessage, RequireEncodeMessage(message))
	assert.Equal(self.t, err, nil)
}

func (self *rawPeer) next() *Message {
	select {
	case message := <-self.frames:
		return message
	case <-time.After(2 * time.Second):
		self.t.Fatal("no frame")
		return nil
	}
}

func (self *rawPeer) none() {
	select {
	case message := <-self.frames:
		self.t.Fatalf("unexpected frame: %s", message.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func (self *rawPeer) close() {
	self.httpServer.Close()
}

func TestClientSubscribeTwoPhase(t *testing.T) {
	ctx := context.Background()

	peer, wsUrl := startRawPeer(t)
	defer peer.close()

	client := NewClientWithDefaults(ctx, wsUrl, "")
	defer client.Close()

	_, err := client.Connect(ctx)
	assert.Equal(t, err, nil)

	// interest before activation is recorded, not sent
	removeFirst := client.On("order.*", func(channel string, payload json.RawMessage) {})
	client.On("order.*", func(channel string, payload json.RawMessage) {})
	peer.none()

	// activation announces each distinct pattern once
	client.Subscribe()
	message := peer.next()
	assert.Equal(t, MessageKindSubscribe, message.Kind)
	assert.Equal(t, "order.*", message.Pattern)
	peer.none()

	// repeated activation is a no-op
	client.Subscribe()
	peer.none()

	// a new pattern after activation subscribes immediately
	removeInvoice := client.On("invoice.created", func(channel string, payload json.RawMessage) {})
	message = peer.next()
	assert.Equal(t, MessageKindSubscribe, message.Kind)
	assert.Equal(t, "invoice.created", message.Pattern)

	// removing one of two listeners keeps the subscription
	removeFirst()
	peer.none()

	// removing the last listener for a pattern unsubscribes it
	removeInvoice()
	message = peer.next()
	assert.Equal(t, MessageKindUnsubscribe, message.Kind)
	assert.Equal(t, "invoice.created", message.Pattern)
}

func TestClientEventFanOut(t *testing.T) {
	ctx := context.Background()

	peer, wsUrl := startRawPeer(t)
	defer peer.close()

	client := NewClientWithDefaults(ctx, wsUrl, "")
	defer client.Close()

	_, err := client.Connect(ctx)
	assert.Equal(t, err, nil)

	wildcard := make(chan string, 8)
	exact := make(chan string, 8)
	client.On("order.*", func(channel string, payload json.RawMessage) {
		wildcard <- channel
	})
	removeExact := client.On("order.created", func(channel string, payload json.RawMessage) {
		exact <- channel
	})
	client.Subscribe()
	peer.next()
	peer.next()

	// order.created reaches both listeners
	peer.write(&Message{
		Kind: MessageKindEvent,
		Ev:   "order.created",
		Data: json.RawMessage(`{"id":"o1"}`),
	})
	assert.Equal(t, "order.created", <-wildcard)
	assert.Equal(t, "order.created", <-exact)

	// order.cancelled reaches only the wildcard listener
	peer.write(&Message{
		Kind: MessageKindEvent,
		Ev:   "order.cancelled",
		Data: json.RawMessage(`{"id":"o1"}`),
	})
	assert.Equal(t, "order.cancelled", <-wildcard)
	select {
	case <-exact:
		t.Fatal("exact listener saw a non-matching channel")
	case <-time.After(50 * time.Millisecond):
	}

	// an unclassifiable frame is skipped without breaking the stream
	peer.write(&Message{Kind: MessageKindProfile})
	peer.write(&Message{
		Kind: MessageKindEvent,
		Ev:   "order.created",
		Data: json.RawMessage(`{"id":"o2"}`),
	})
	assert.Equal(t, "order.created", <-wildcard)

	// after removal, events no longer reach the removed listener
	removeExact()
	peer.next() // unsub frame
	peer.write(&Message{
		Kind: MessageKindEvent,
		Ev:   "order.created",
		Data: json.RawMessage(`{"id":"o3"}`),
	})
	assert.Equal(t, "order.created", <-wildcard)
	select {
	case <-exact:
		t.Fatal("removed listener fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientReconnect(t *testing.T) {
	ctx := context.Background()
	dispatcher := testDispatcher(ctx)
	defer dispatcher.Close()

	block := make(chan struct{})
	dispatcher.RegisterCommand(
		"slow",
		func(ctx context.Context, call *Call) (any, error) {
			<-block
			return nil, nil
		},
	)
	dispatcher.RegisterCommand(
		"fast",
		func(ctx context.Context, call *Call) (any, error) {
			return map[string]bool{"ok": true}, nil
		},
	)
	defer close(block)

	wsUrl, shutdown := startTestServer(t, dispatcher)
	defer shutdown()

	client := NewClientWithDefaults(ctx, wsUrl, "alice")
	defer client.Close()

	_, err := client.Connect(ctx)
	assert.Equal(t, err, nil)

	pending := make(chan error, 1)
	err = client.Command(
		"slow",
		nil,
		NewCommandCallback(func(result json.RawMessage, err error) {
			pending <- err
		}),
	)
	assert.Equal(t, err, nil)

	identity, err := client.Reconnect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, "alice", identity.Name)

	// the in-flight command was abandoned, not replayed
	select {
	case err := <-pending:
		assert.Equal(t, ErrDisconnected, err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight command not failed")
	}

	// the new connection works
	result, err := client.CommandSync(ctx, "fast", nil)
	assert.Equal(t, err, nil)
	parsed := map[string]bool{}
	json.Unmarshal(result, &parsed)
	assert.Equal(t, true, parsed["ok"])
}
