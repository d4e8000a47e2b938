package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

var ErrDisconnected = errors.New("disconnected")

// RemoteError is a failure reported by the server for one exchange.
type RemoteError struct {
	Message string
}

func (self *RemoteError) Error() string {
	return self.Message
}

// EventListener receives broadcast events matching a subscribed pattern.
type EventListener func(channel string, payload json.RawMessage)

type CommandCallback interface {
	Result(result json.RawMessage, err error)
}

// for internal use
type simpleCommandCallback struct {
	callback func(result json.RawMessage, err error)
}

func NewCommandCallback(callback func(result json.RawMessage, err error)) CommandCallback {
	return &simpleCommandCallback{
		callback: callback,
	}
}

func (self *simpleCommandCallback) Result(result json.RawMessage, err error) {
	self.callback(result, err)
}

type CommandResult struct {
	Result json.RawMessage
	Error  error
}

func NewBlockingCommandCallback() (CommandCallback, chan CommandResult) {
	c := make(chan CommandResult, 1)
	callback := NewCommandCallback(func(result json.RawMessage, err error) {
		c <- CommandResult{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// url query parameter carrying the token
	TokenParam string
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		TokenParam:         "token",
	}
}

type pendingConnect struct {
	done     chan struct{}
	identity *Identity
	err      error
}

// Client owns one outbound connection and correlates the traffic on it:
// command callbacks by correlation id, query row streams by numeric id, and
// event listeners by pattern. Exchanges on the connection interleave freely.
// the client demultiplexes replies back to the waiting caller.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	token string

	settings *ClientSettings

	mutex       sync.Mutex
	conn        *websocket.Conn
	pending     *pendingConnect
	nextQueryId uint64
	commands    map[string]CommandCallback
	queries     map[uint64]*Rows
	listeners   map[string]*callbackList[EventListener]
	activated   bool

	// frame writes are serialized. callers write from many goroutines
	writeMutex sync.Mutex
}

func NewClientWithDefaults(ctx context.Context, url string, token string) *Client {
	return NewClient(ctx, url, token, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, token string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:       cancelCtx,
		cancel:    cancel,
		url:       url,
		token:     token,
		settings:  settings,
		commands:  map[string]CommandCallback{},
		queries:   map[uint64]*Rows{},
		listeners: map[string]*callbackList[EventListener]{},
	}
}

// Connect opens the connection and waits for the server to announce the
// resolved identity, which is nil for an anonymous session.
// Concurrent calls while connecting share one outcome, and the outcome stays
// cached so later calls return it without dialing again.
func (self *Client) Connect(ctx context.Context) (*Identity, error) {
	self.mutex.Lock()
	if pending := self.pending; pending != nil {
		self.mutex.Unlock()
		select {
		case <-pending.done:
			return pending.identity, pending.err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.ctx.Done():
			return nil, ErrDisconnected
		}
	}
	pending := &pendingConnect{
		done: make(chan struct{}),
	}
	self.pending = pending
	self.mutex.Unlock()

	identity, conn, err := self.dial(ctx)

	self.mutex.Lock()
	if err != nil {
		// allow a later call to retry
		self.pending = nil
		self.mutex.Unlock()
		pending.err = err
		close(pending.done)
		return nil, err
	}
	self.conn = conn
	activated := self.activated
	patterns := maps.Keys(self.listeners)
	self.mutex.Unlock()

	pending.identity = identity
	close(pending.done)

	go self.readLoop(conn)
	go self.pingLoop(conn)

	// a fresh server session has no subscriptions. re-announce the
	// activated interest set
	if activated {
		for _, pattern := range patterns {
			self.send(&Message{
				Kind:    MessageKindSubscribe,
				Pattern: pattern,
			})
		}
	}

	return identity, nil
}

func (self *Client) dial(ctx context.Context) (*Identity, *websocket.Conn, error) {
	connectUrl, err := self.connectUrl()
	if err != nil {
		return nil, nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, connectUrl, nil)
	if err != nil {
		return nil, nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	// the first inbound frame is the identity announcement. anything else
	// before that point is a protocol violation and is skipped
	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return nil, nil, err
		}
		message, err := DecodeMessage(frame)
		if err != nil {
			return nil, nil, err
		}
		switch message.Kind {
		case MessageKindPing:
			continue
		case MessageKindProfile:
			var identity *Identity
			if message.Profile != nil {
				if err := json.Unmarshal(message.Profile, &identity); err != nil {
					return nil, nil, err
				}
			}
			success = true
			return identity, ws, nil
		default:
			glog.Infof("[c]unexpected %s before profile\n", message.Kind)
			continue
		}
	}
}

func (self *Client) connectUrl() (string, error) {
	if self.token == "" {
		return self.url, nil
	}
	u, err := url.Parse(self.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(self.settings.TokenParam, self.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Command issues a write request.
// With a callback the command is acknowledged. exactly one of success or
// error comes back, barring connection loss. Without a callback the command
// is fire-and-forget: the server never reports success, though a failure
// still produces an error frame on the wire.
func (self *Client) Command(name string, data any, callback CommandCallback) error {
	dataJson, err := json.Marshal(data)
	if err != nil {
		return err
	}

	cid := NewId().String()
	if callback != nil {
		self.mutex.Lock()
		self.commands[cid] = callback
		self.mutex.Unlock()
	}

	err = self.send(&Message{
		Kind: MessageKindCommand,
		Cmd:  name,
		Cid:  cid,
		Data: dataJson,
		Ack:  callback != nil,
	})
	if err != nil && callback != nil {
		self.mutex.Lock()
		delete(self.commands, cid)
		self.mutex.Unlock()
	}
	return err
}

// CommandSync issues an acknowledged command and waits for the outcome.
func (self *Client) CommandSync(ctx context.Context, name string, data any) (json.RawMessage, error) {
	callback, c := NewBlockingCommandCallback()
	if err := self.Command(name, data, callback); err != nil {
		return nil, err
	}
	select {
	case result := <-c:
		return result.Result, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Query issues a read request and returns the pull-based row stream.
func (self *Client) Query(name string, params any) (*Rows, error) {
	var paramsJson json.RawMessage
	if params != nil {
		var err error
		paramsJson, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}

	rows := newRows()
	self.mutex.Lock()
	self.nextQueryId += 1
	queryId := self.nextQueryId
	self.queries[queryId] = rows
	self.mutex.Unlock()

	err := self.send(&Message{
		Kind:   MessageKindQuery,
		Q:      name,
		Id:     queryId,
		Params: paramsJson,
	})
	if err != nil {
		self.mutex.Lock()
		delete(self.queries, queryId)
		self.mutex.Unlock()
		return nil, err
	}
	return rows, nil
}

// On registers a listener under a pattern and returns its remove function.
// Before Subscribe is called the interest is only recorded. afterwards a new
// pattern subscribes immediately, and removing the last listener for a
// pattern unsubscribes it.
func (self *Client) On(pattern string, listener EventListener) func() {
	self.mutex.Lock()
	list, ok := self.listeners[pattern]
	if !ok {
		list = newCallbackList[EventListener]()
		self.listeners[pattern] = list
	}
	listenerId := list.add(listener)
	announce := !ok && self.activated
	self.mutex.Unlock()

	if announce {
		self.send(&Message{
			Kind:    MessageKindSubscribe,
			Pattern: pattern,
		})
	}

	return func() {
		self.mutex.Lock()
		if current, ok := self.listeners[pattern]; !ok || current != list {
			// the pattern was torn down and re-registered since
			self.mutex.Unlock()
			return
		}
		list.remove(listenerId)
		retract := false
		if list.size() == 0 {
			delete(self.listeners, pattern)
			retract = self.activated
		}
		self.mutex.Unlock()

		if retract {
			self.send(&Message{
				Kind:    MessageKindUnsubscribe,
				Pattern: pattern,
			})
		}
	}
}

// Subscribe activates the registered interest set, once.
// The two phases exist so all listeners can be wired up before any event can
// possibly arrive. Repeated calls do nothing.
func (self *Client) Subscribe() {
	self.mutex.Lock()
	if self.activated {
		self.mutex.Unlock()
		return
	}
	self.activated = true
	patterns := maps.Keys(self.listeners)
	self.mutex.Unlock()

	for _, pattern := range patterns {
		self.send(&Message{
			Kind:    MessageKindSubscribe,
			Pattern: pattern,
		})
	}
}

// Reconnect drops the connection and the cached connect outcome, then
// connects again. In-flight commands and queries are failed with
// ErrDisconnected and are not replayed. callers reissue them.
func (self *Client) Reconnect(ctx context.Context) (*Identity, error) {
	self.mutex.Lock()
	conn := self.conn
	self.conn = nil
	self.pending = nil
	self.mutex.Unlock()

	if conn != nil {
		conn.Close()
	}
	self.abandonInFlight()

	return self.Connect(ctx)
}

func (self *Client) send(message *Message) error {
	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	frame, err := EncodeMessage(message)
	if err != nil {
		return err
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	glog.V(2).Infof("[c]%s->\n", message.Kind)
	return nil
}

func (self *Client) pingLoop(conn *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}

		self.mutex.Lock()
		current := self.conn == conn
		self.mutex.Unlock()
		if !current {
			return
		}

		self.writeMutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, make([]byte, 0))
		self.writeMutex.Unlock()
		if err != nil {
			return
		}
	}
}

func (self *Client) readLoop(conn *websocket.Conn) {
	defer self.handleDisconnect(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[c]<- error = %s\n", err)
			return
		}

		message, err := DecodeMessage(frame)
		if err != nil {
			glog.Infof("[c]decode error <- = %s\n", err)
			continue
		}

		switch message.Kind {
		case MessageKindResult:
			self.mutex.Lock()
			callback, ok := self.commands[message.Cid]
			delete(self.commands, message.Cid)
			self.mutex.Unlock()
			if ok {
				callback.Result(message.Result, nil)
			}
		case MessageKindCommandError:
			self.mutex.Lock()
			callback, ok := self.commands[message.Cid]
			delete(self.commands, message.Cid)
			self.mutex.Unlock()
			if ok {
				callback.Result(nil, &RemoteError{Message: message.Err})
			}
		case MessageKindRow:
			self.mutex.Lock()
			rows, ok := self.queries[message.Id]
			self.mutex.Unlock()
			if ok {
				rows.push(message.Row)
			}
		case MessageKindEnd:
			self.mutex.Lock()
			rows, ok := self.queries[message.Id]
			delete(self.queries, message.Id)
			self.mutex.Unlock()
			if ok {
				rows.end()
			}
		case MessageKindQueryError:
			self.mutex.Lock()
			rows, ok := self.queries[message.Id]
			delete(self.queries, message.Id)
			self.mutex.Unlock()
			if ok {
				rows.fail(&RemoteError{Message: message.Err})
			}
		case MessageKindEvent:
			self.fanOut(message.Ev, message.Data)
		case MessageKindPing:
		case MessageKindProfile:
			glog.V(2).Infof("[c]late profile\n")
		default:
			// malformed payloads are dropped, not error-reported
			glog.V(2).Infof("[c]ignore %s<-\n", message.Kind)
		}
	}
}

func (self *Client) fanOut(channel string, payload json.RawMessage) {
	self.mutex.Lock()
	matched := []EventListener{}
	for pattern, list := range self.listeners {
		if MatchPattern(pattern, channel) {
			matched = append(matched, list.get()...)
		}
	}
	self.mutex.Unlock()

	for _, listener := range matched {
		listener(channel, payload)
	}
}

func (self *Client) handleDisconnect(conn *websocket.Conn) {
	conn.Close()

	self.mutex.Lock()
	if self.conn != conn {
		// replaced by a reconnect. that path already failed the in-flight
		// exchanges
		self.mutex.Unlock()
		return
	}
	self.conn = nil
	self.pending = nil
	self.mutex.Unlock()

	self.abandonInFlight()
}

// abandonInFlight fails every registered command callback and open row
// stream. the protocol exchanges themselves are simply gone. nothing is
// replayed on reconnect.
func (self *Client) abandonInFlight() {
	self.mutex.Lock()
	commands := self.commands
	queries := self.queries
	self.commands = map[string]CommandCallback{}
	self.queries = map[uint64]*Rows{}
	self.mutex.Unlock()

	for _, callback := range commands {
		callback.Result(nil, ErrDisconnected)
	}
	for _, rows := range queries {
		rows.fail(ErrDisconnected)
	}
}

func (self *Client) Close() {
	self.cancel()

	self.mutex.Lock()
	conn := self.conn
	self.conn = nil
	self.pending = nil
	self.mutex.Unlock()

	if conn != nil {
		conn.Close()
	}
	self.abandonInFlight()
}
