package relay

import (
	"slices"
	"sync"
	"time"
)

// broadcasts state changes to waiters.
// waiters grab the current notify channel, re-check their condition,
// and block on the channel until the next notifyAll.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

// close the update channel and create a new one
func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update
// get never blocks callers that are adding or removing
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	ids       []int
	callbacks []T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *callbackList[T]) add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	nextIds := slices.Clone(self.ids)
	nextCallbacks := slices.Clone(self.callbacks)
	self.ids = append(nextIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)
	return callbackId
}

func (self *callbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.ids, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.ids = slices.Delete(slices.Clone(self.ids), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

func (self *callbackList[T]) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// fixed delay before the next connect attempt
type Reconnect struct {
	timeout   time.Duration
	startTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout:   timeout,
		startTime: time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Now().Sub(self.startTime)
	return time.After(remaining)
}
