package relay

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Session is the server-side state for one live connection.
// Sessions are created and destroyed by the Dispatcher.
// All outbound frames for the connection flow through the send queue,
// so rows for one query stay in emission order.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	id   Id
	send chan *Message

	mutex    sync.Mutex
	identity *Identity
	patterns map[string]bool
}

func newSession(ctx context.Context, identity *Identity, bufferSize int) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:      cancelCtx,
		cancel:   cancel,
		id:       NewId(),
		send:     make(chan *Message, bufferSize),
		identity: identity,
		patterns: map[string]bool{},
	}
}

func (self *Session) Id() Id {
	return self.id
}

func (self *Session) Identity() *Identity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.identity
}

func (self *Session) setIdentity(identity *Identity) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.identity = identity
}

func (self *Session) addPattern(pattern string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.patterns[pattern] = true
}

func (self *Session) removePattern(pattern string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.patterns, pattern)
}

func (self *Session) Patterns() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.patterns)
}

// Send returns the outbound frame queue for the connection write pump.
func (self *Session) Send() <-chan *Message {
	return self.send
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

// queueMessage queues one outbound frame.
// A session that does not drain its queue within the timeout drops the frame.
// delivery guarantees stop at "connected and no error".
func (self *Session) queueMessage(message *Message, timeout time.Duration) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- message:
		return true
	case <-time.After(timeout):
		glog.Infof("[s]drop %s %s->\n", message.Kind, self.id)
		return false
	}
}
