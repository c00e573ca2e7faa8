package state

import (
	"log"
	"sync"
	"time"
)

// Saver debounces blob writes: each Schedule resets a timer, so a burst of
// mutations produces a single write delayFn after the last one. Writes are
// serialized (at most one in flight); a mutation landing during a write
// simply schedules the next one. Flush cancels the pending timer and
// writes synchronously; write errors are logged, never raised.
type Saver struct {
	name    string
	delayFn func() time.Duration
	export  func() ([]byte, error)
	store   BlobStore

	mu    sync.Mutex // guards timer
	timer *time.Timer

	saveMu sync.Mutex // serializes actual writes
}

// NewSaver creates a debounced saver for one named blob.
func NewSaver(name string, store BlobStore, delayFn func() time.Duration, export func() ([]byte, error)) *Saver {
	if delayFn == nil {
		panic("state: NewSaver requires non-nil delayFn")
	}
	if export == nil {
		panic("state: NewSaver requires non-nil export")
	}
	return &Saver{
		name:    name,
		delayFn: delayFn,
		export:  export,
		store:   store,
	}
}

// Schedule arms (or re-arms) the debounce timer.
func (s *Saver) Schedule() {
	if s.store == nil {
		return
	}
	delay := s.delayFn()
	s.mu.Lock()
	if s.timer == nil {
		s.timer = time.AfterFunc(delay, s.fire)
	} else {
		s.timer.Reset(delay)
	}
	s.mu.Unlock()
}

// Flush cancels any pending debounce and writes synchronously.
func (s *Saver) Flush() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.save()
}

func (s *Saver) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	s.save()
}

func (s *Saver) save() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	data, err := s.export()
	if err != nil {
		log.Printf("[state] export %s: %v", s.name, err)
		return
	}
	if err := s.store.Save(s.name, data); err != nil {
		log.Printf("[state] save %s: %v", s.name, err)
	}
}
