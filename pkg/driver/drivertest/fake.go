// Package drivertest provides an in-memory Driver for tests. Behaviour is
// scripted by task text and working directory rather than spawn order, so
// concurrent strategies see deterministic responses.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"corral/pkg/driver"
)

var _ driver.Driver = (*Fake)(nil)

// ErrNoSession is returned for an id the fake does not hold open.
var ErrNoSession = errors.New("no such session")

type session struct {
	spawned bool
	dir     string
	sent    []string
	outputs []string
	reads   int
	readErr error
	closed  bool
}

// Fake is a scripted driver.Driver. Zero value is not usable; call New.
type Fake struct {
	// SpawnErrs fails Spawn for the given working directory.
	SpawnErrs map[string]error
	// SendErrs fails Send of the given text.
	SendErrs map[string]error
	// Respond sets the read sequence a session plays after receiving the
	// given text. Reads step through it and then repeat the last entry.
	Respond map[string][]string
	// ReadErrs fails every read of a session whose last task was the given
	// text.
	ReadErrs map[string]error
	// CloseErr, when set, fails every Close after marking the session closed.
	CloseErr error

	mu       sync.Mutex
	seq      int
	sessions map[string]*session
	order    []string
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		SpawnErrs: map[string]error{},
		SendErrs:  map[string]error{},
		Respond:   map[string][]string{},
		ReadErrs:  map[string]error{},
		sessions:  map[string]*session{},
	}
}

// Spawn opens a session in dir.
func (f *Fake) Spawn(_ context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SpawnErrs[dir]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.sessions[id] = &session{spawned: true, dir: dir}
	f.order = append(f.order, id)
	return id, nil
}

// Send records text and switches the session to its scripted response.
func (f *Fake) Send(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.closed {
		return ErrNoSession
	}
	if err := f.SendErrs[text]; err != nil {
		return err
	}
	s.sent = append(s.sent, text)
	if seq, ok := f.Respond[text]; ok {
		s.outputs = seq
		s.reads = 0
	}
	if err, ok := f.ReadErrs[text]; ok {
		s.readErr = err
	}
	return nil
}

// ReadOutput plays the next scripted snapshot.
func (f *Fake) ReadOutput(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.closed {
		return "", ErrNoSession
	}
	if s.readErr != nil {
		return "", s.readErr
	}
	if len(s.outputs) == 0 {
		return "", nil
	}
	out := s.outputs[min(s.reads, len(s.outputs)-1)]
	s.reads++
	return out, nil
}

// Close marks the session closed. Closing twice is not an error.
func (f *Fake) Close(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return ErrNoSession
	}
	s.closed = true
	return f.CloseErr
}

// ListAll returns open session ids in name order.
func (f *Fake) ListAll(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, s := range f.sessions {
		if !s.closed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Inject opens a session that was never spawned through this process, as a
// crashed supervisor would leave behind.
func (f *Fake) Inject(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &session{}
	f.order = append(f.order, id)
}

// Spawned returns every id Spawn handed out, in order.
func (f *Fake) Spawned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.order))
	for _, id := range f.order {
		if f.sessions[id].spawned {
			out = append(out, id)
		}
	}
	return out
}

// Sent returns the texts delivered to id.
func (f *Fake) Sent(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return append([]string(nil), s.sent...)
	}
	return nil
}

// Dir returns the working directory id was spawned in.
func (f *Fake) Dir(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return s.dir
	}
	return ""
}

// Closed reports whether id has been closed.
func (f *Fake) Closed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return ok && s.closed
}

// Open returns the number of sessions not yet closed.
func (f *Fake) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if !s.closed {
			n++
		}
	}
	return n
}
