package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/golang/glog"
)

// CommandHandler executes one write request.
// The returned value is marshaled into the result frame when the caller asked
// for an acknowledgement. A returned error or a panic becomes a command error
// frame; it never takes down the connection.
type CommandHandler func(ctx context.Context, call *Call) (any, error)

// QueryHandler executes one read request, writing zero or more rows before
// returning. A nil return closes the stream with an end frame. A returned
// error or a panic closes the stream with a query error frame instead.
// partial results are legitimate. rows written before the failure stand.
type QueryHandler func(ctx context.Context, call *Call, rows *RowWriter) error

type DispatcherSettings struct {
	// resolves connection tokens to identities. nil allows anonymous only
	Verify VerifyFunc
	// command/query names exempt from authorization
	Allow             []string
	SessionBufferSize int
	SendTimeout       time.Duration
}

func DefaultDispatcherSettings() *DispatcherSettings {
	return &DispatcherSettings{
		SessionBufferSize: 32,
		SendTimeout:       5 * time.Second,
	}
}

// Dispatcher owns the handler registries, the live session table and the
// subscription index for one server process. Multiple dispatchers can coexist
// in a process; nothing here is a package-level singleton.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *DispatcherSettings

	// registration happens during setup, before traffic arrives.
	// the registries are not guarded.
	commands map[string]CommandHandler
	queries  map[string]QueryHandler
	allowed  map[string]bool

	mutex         sync.Mutex
	sessions      map[Id]*Session
	subscriptions map[string]map[Id]bool
}

func NewDispatcherWithDefaults(ctx context.Context) *Dispatcher {
	return NewDispatcher(ctx, DefaultDispatcherSettings())
}

func NewDispatcher(ctx context.Context, settings *DispatcherSettings) *Dispatcher {
	cancelCtx, cancel := context.WithCancel(ctx)
	allowed := map[string]bool{}
	for _, name := range settings.Allow {
		allowed[name] = true
	}
	return &Dispatcher{
		ctx:           cancelCtx,
		cancel:        cancel,
		settings:      settings,
		commands:      map[string]CommandHandler{},
		queries:       map[string]QueryHandler{},
		allowed:       allowed,
		sessions:      map[Id]*Session{},
		subscriptions: map[string]map[Id]bool{},
	}
}

// RegisterCommand replaces any previous handler for the name.
func (self *Dispatcher) RegisterCommand(name string, handler CommandHandler) {
	self.commands[name] = handler
}

// RegisterQuery replaces any previous handler for the name.
func (self *Dispatcher) RegisterQuery(name string, handler QueryHandler) {
	self.queries[name] = handler
}

// OpenSession resolves the token, if any, and enters a new session into the
// live table. A token that does not resolve still produces a session. it is
// anonymous and may only call allow-listed names.
func (self *Dispatcher) OpenSession(token string) *Session {
	var identity *Identity
	if token != "" && self.settings.Verify != nil {
		var err error
		identity, err = self.settings.Verify(token)
		if err != nil {
			glog.Infof("[d]verify error = %s\n", err)
			identity = nil
		}
	}

	session := newSession(self.ctx, identity, self.settings.SessionBufferSize)

	self.mutex.Lock()
	self.sessions[session.id] = session
	self.mutex.Unlock()

	glog.V(2).Infof("[d]open %s\n", session.id)
	return session
}

// CloseSession removes the session from the live table and purges every
// subscription index entry that references it.
func (self *Dispatcher) CloseSession(session *Session) {
	self.mutex.Lock()
	delete(self.sessions, session.id)
	for pattern, sessionIds := range self.subscriptions {
		delete(sessionIds, session.id)
		if len(sessionIds) == 0 {
			delete(self.subscriptions, pattern)
		}
	}
	self.mutex.Unlock()

	session.cancel()
	glog.V(2).Infof("[d]close %s\n", session.id)
}

// Dispatch routes one inbound message for a session.
// Commands and queries run in the calling goroutine. the connection read loop
// dispatches each in its own goroutine, so exchanges on one connection
// interleave freely. only the rows within one query stay ordered.
func (self *Dispatcher) Dispatch(session *Session, message *Message) {
	switch message.Kind {
	case MessageKindCommand:
		self.dispatchCommand(session, message)
	case MessageKindQuery:
		self.dispatchQuery(session, message)
	case MessageKindSubscribe:
		self.subscribe(session, message.Pattern)
	case MessageKindUnsubscribe:
		self.unsubscribe(session, message.Pattern)
	case MessageKindPing:
	default:
		// control frames are not error-reported back
		glog.V(2).Infof("[d]ignore %s %s<-\n", message.Kind, session.id)
	}
}

func (self *Dispatcher) dispatchCommand(session *Session, message *Message) {
	sendErr := func(errStr string) {
		session.queueMessage(
			&Message{
				Kind: MessageKindCommandError,
				Cid:  message.Cid,
				Err:  errStr,
			},
			self.settings.SendTimeout,
		)
	}

	handler, ok := self.commands[message.Cmd]
	if !ok {
		sendErr(fmt.Sprintf("Unknown command: %s", message.Cmd))
		return
	}
	if !self.authorized(session, message.Cmd) {
		sendErr("Not authenticated")
		return
	}

	call := &Call{
		dispatcher: self,
		session:    session,
		Data:       message.Data,
	}
	result, err := self.invokeCommand(handler, call)
	if err != nil {
		// failure visibility is not optional. errors are reported even
		// for fire-and-forget commands
		sendErr(err.Error())
		return
	}
	if !message.Ack {
		// fire-and-forget. the caller declined a success reply
		return
	}

	resultJson, err := json.Marshal(result)
	if err != nil {
		sendErr(err.Error())
		return
	}
	session.queueMessage(
		&Message{
			Kind:   MessageKindResult,
			Cid:    message.Cid,
			Result: resultJson,
		},
		self.settings.SendTimeout,
	)
}

func (self *Dispatcher) dispatchQuery(session *Session, message *Message) {
	sendErr := func(errStr string) {
		session.queueMessage(
			&Message{
				Kind: MessageKindQueryError,
				Id:   message.Id,
				Err:  errStr,
			},
			self.settings.SendTimeout,
		)
	}

	handler, ok := self.queries[message.Q]
	if !ok {
		sendErr(fmt.Sprintf("Unknown query: %s", message.Q))
		return
	}
	if !self.authorized(session, message.Q) {
		sendErr("Not authenticated")
		return
	}

	call := &Call{
		dispatcher: self,
		session:    session,
		Data:       message.Params,
	}
	rows := &RowWriter{
		session: session,
		queryId: message.Id,
		timeout: self.settings.SendTimeout,
	}
	if err := self.invokeQuery(handler, call, rows); err != nil {
		// the rows already written stand. the error frame replaces the end frame
		sendErr(err.Error())
		return
	}
	session.queueMessage(
		&Message{
			Kind: MessageKindEnd,
			Id:   message.Id,
		},
		self.settings.SendTimeout,
	)
}

func (self *Dispatcher) invokeCommand(handler CommandHandler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[d]command panic = %v\n%s\n", r, string(debug.Stack()))
			err = fmt.Errorf("%v", r)
		}
	}()
	return handler(self.ctx, call)
}

func (self *Dispatcher) invokeQuery(handler QueryHandler, call *Call, rows *RowWriter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[d]query panic = %v\n%s\n", r, string(debug.Stack()))
			err = fmt.Errorf("%v", r)
		}
	}()
	return handler(self.ctx, call, rows)
}

func (self *Dispatcher) authorized(session *Session, name string) bool {
	if self.allowed[name] {
		return true
	}
	return session.Identity() != nil
}

func (self *Dispatcher) subscribe(session *Session, pattern string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sessionIds, ok := self.subscriptions[pattern]
	if !ok {
		sessionIds = map[Id]bool{}
		self.subscriptions[pattern] = sessionIds
	}
	sessionIds[session.id] = true
	session.addPattern(pattern)
}

func (self *Dispatcher) unsubscribe(session *Session, pattern string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if sessionIds, ok := self.subscriptions[pattern]; ok {
		delete(sessionIds, session.id)
		if len(sessionIds) == 0 {
			delete(self.subscriptions, pattern)
		}
	}
	session.removePattern(pattern)
}

// Emit broadcasts an event to every live session holding a matching pattern.
// A session subscribed under several matching patterns receives the event once.
func (self *Dispatcher) Emit(channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	matched := map[Id]*Session{}
	for pattern, sessionIds := range self.subscriptions {
		if !MatchPattern(pattern, channel) {
			continue
		}
		for sessionId := range sessionIds {
			if session, ok := self.sessions[sessionId]; ok {
				matched[sessionId] = session
			}
		}
	}
	self.mutex.Unlock()

	message := &Message{
		Kind: MessageKindEvent,
		Ev:   channel,
		Data: data,
	}
	for _, session := range matched {
		session.queueMessage(message, self.settings.SendTimeout)
	}
	glog.V(2).Infof("[d]emit %s -> %d\n", channel, len(matched))
	return nil
}

func (self *Dispatcher) Close() {
	self.cancel()
}

// Call is the context a handler body receives.
// Handlers must not touch the session table or subscription index directly.
// the capabilities here are the only sanctioned side doors.
type Call struct {
	dispatcher *Dispatcher
	session    *Session

	// command data or query params, as sent
	Data json.RawMessage
}

func (self *Call) Identity() *Identity {
	return self.session.Identity()
}

// Adopt sets the session identity, e.g. as the side effect of a login
// command. Calling it again replaces the identity.
func (self *Call) Adopt(identity *Identity) {
	self.session.setIdentity(identity)
}

// Push delivers an event to this one connection only, regardless of its
// subscriptions. Distinct from Dispatcher.Emit.
func (self *Call) Push(channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	self.session.queueMessage(
		&Message{
			Kind: MessageKindEvent,
			Ev:   channel,
			Data: data,
		},
		self.dispatcher.settings.SendTimeout,
	)
	return nil
}

// Bind unmarshals the command data or query params.
func (self *Call) Bind(v any) error {
	if self.Data == nil {
		return nil
	}
	return json.Unmarshal(self.Data, v)
}

// RowWriter emits the ordered row stream for one query.
type RowWriter struct {
	session *Session
	queryId uint64
	timeout time.Duration
}

func (self *RowWriter) Write(row any) error {
	rowJson, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if !self.session.queueMessage(
		&Message{
			Kind: MessageKindRow,
			Id:   self.queryId,
			Row:  rowJson,
		},
		self.timeout,
	) {
		return fmt.Errorf("session gone")
	}
	return nil
}
