package relay

import (
	"context"
	"encoding/json"
	"sync"
)

// Rows is the client-side consumer of one query's result stream.
// Row frames arrive pushed from the read loop and buffer here. each pull
// suspends until a row is buffered, the stream ends, or the stream fails.
// Rows already buffered drain before a failure surfaces, so a handler that
// errors after producing some rows still delivers those rows.
// The stream is finite and not restartable.
type Rows struct {
	monitor *Monitor

	mutex  sync.Mutex
	buffer []json.RawMessage
	ended  bool
	err    error
}

func newRows() *Rows {
	return &Rows{
		monitor: NewMonitor(),
	}
}

func (self *Rows) push(row json.RawMessage) {
	self.mutex.Lock()
	self.buffer = append(self.buffer, row)
	self.mutex.Unlock()
	self.monitor.NotifyAll()
}

func (self *Rows) end() {
	self.mutex.Lock()
	self.ended = true
	self.mutex.Unlock()
	self.monitor.NotifyAll()
}

func (self *Rows) fail(err error) {
	self.mutex.Lock()
	if self.err == nil {
		self.err = err
	}
	self.mutex.Unlock()
	self.monitor.NotifyAll()
}

// Next pulls the next row.
// ok is false when the stream is done. err is nil on a clean end.
func (self *Rows) Next(ctx context.Context) (row json.RawMessage, ok bool, err error) {
	for {
		notify := self.monitor.NotifyChannel()

		self.mutex.Lock()
		if 0 < len(self.buffer) {
			row := self.buffer[0]
			self.buffer[0] = nil
			self.buffer = self.buffer[1:]
			self.mutex.Unlock()
			return row, true, nil
		}
		if self.err != nil {
			err := self.err
			self.mutex.Unlock()
			return nil, false, err
		}
		if self.ended {
			self.mutex.Unlock()
			return nil, false, nil
		}
		self.mutex.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-notify:
		}
	}
}

// All drains the stream.
// On failure the rows received before the failure are returned with the error.
func (self *Rows) All(ctx context.Context) ([]json.RawMessage, error) {
	rows := []json.RawMessage{}
	for {
		row, ok, err := self.Next(ctx)
		if err != nil {
			return rows, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}
