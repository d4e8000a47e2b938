package relay

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// State is a reactive holder of current state folded out of an event stream.
// Watchers are notified on every change.
type State[T any] struct {
	mutex    sync.Mutex
	value    T
	watchers *callbackList[func(T)]
}

func newState[T any](initial T) *State[T] {
	return &State[T]{
		value:    initial,
		watchers: newCallbackList[func(T)](),
	}
}

func (self *State[T]) Get() T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.value
}

// Watch registers a change watcher and returns its remove function.
func (self *State[T]) Watch(watcher func(T)) func() {
	watcherId := self.watchers.add(watcher)
	return func() {
		self.watchers.remove(watcherId)
	}
}

func (self *State[T]) fold(reduce func(T) T) {
	self.mutex.Lock()
	next := reduce(self.value)
	self.value = next
	self.mutex.Unlock()

	for _, watcher := range self.watchers.get() {
		watcher(next)
	}
}

// Sync folds every event matching the pattern through the reducer,
// seeding the holder with the initial state. The returned remove function
// detaches the holder from the event stream.
func Sync[T any](
	client *Client,
	pattern string,
	initial T,
	reduce func(state T, payload json.RawMessage) T,
) (*State[T], func()) {
	state := newState(initial)
	remove := client.On(pattern, func(channel string, payload json.RawMessage) {
		state.fold(func(current T) T {
			return reduce(current, payload)
		})
	})
	return state, remove
}

// SyncMap is the keyed specialization of Sync. Each matching event's payload
// replaces the entry at its key. Every update is a fresh copy of the mapping,
// so a reader holding an older snapshot sees consistent state.
func SyncMap[V any](
	client *Client,
	pattern string,
	keyOf func(item V) string,
) (*State[map[string]V], func()) {
	state := newState(map[string]V{})
	remove := client.On(pattern, func(channel string, payload json.RawMessage) {
		var item V
		if err := json.Unmarshal(payload, &item); err != nil {
			glog.V(2).Infof("[c]sync map decode error %s = %s\n", channel, err)
			return
		}
		state.fold(func(current map[string]V) map[string]V {
			next := maps.Clone(current)
			next[keyOf(item)] = item
			return next
		})
	})
	return state, remove
}
