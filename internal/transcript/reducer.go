// Package transcript folds the streaming fragments of a two-party voice
// conversation into display entries.
//
// Fragments arrive from two independent sources: the engine's recognition of
// the user's microphone audio (USER) and the transcription of its own
// synthesised speech (SPIRIT). Consecutive fragments from the same speaker
// are merged into one [Entry]; an entry becomes immutable ("committed") as
// soon as the other speaker produces an event.
//
// Audio for the spirit usually arrives before its transcript. The first audio
// event of a turn therefore opens an AUDIO placeholder entry, which is
// upgraded in place to a TEXT entry when the first transcript fragment for
// that turn arrives.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies a conversation party.
type Speaker int

const (
	// User is the person at the microphone.
	User Speaker = iota
	// Spirit is the remote conversational engine.
	Spirit
)

// String returns the display label of the speaker.
func (s Speaker) String() string {
	switch s {
	case User:
		return "USER"
	case Spirit:
		return "SPIRIT"
	default:
		return "UNKNOWN"
	}
}

// Kind is the content type of an event or entry.
type Kind int

const (
	// Audio marks that the speaker produced audio with no text yet.
	Audio Kind = iota
	// Text carries a transcript fragment.
	Text
)

// String returns "AUDIO" or "TEXT".
func (k Kind) String() string {
	if k == Audio {
		return "AUDIO"
	}
	return "TEXT"
}

// Event is one input to the [Reducer].
type Event struct {
	Speaker Speaker
	Kind    Kind
	// Text is the fragment for Kind == Text; ignored for Audio.
	Text string
}

// Entry is one display bubble.
type Entry struct {
	ID        string
	Speaker   Speaker
	Kind      Kind
	Content   string
	CreatedAt time.Time

	// Committed is true once the entry can no longer change.
	Committed bool
}

// turnState tracks the open turn explicitly instead of inferring it from the
// tail of the entry list.
type turnState int

const (
	awaitingFirstEvent turnState = iota
	audioOnly
	textTurn
)

// Option configures a [Reducer].
type Option func(*Reducer)

// WithClock sets the function used to stamp CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDFunc replaces the entry ID generator (random UUIDs by default).
func WithIDFunc(fn func() string) Option {
	return func(r *Reducer) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// OnCommit registers fn to be called, outside the reducer lock, with every
// entry at the moment it becomes immutable.
func OnCommit(fn func(Entry)) Option {
	return func(r *Reducer) {
		r.onCommit = fn
	}
}

// Reducer merges transcript events into entries. It is safe for concurrent
// use.
type Reducer struct {
	now      func() time.Time
	newID    func() string
	onCommit func(Entry)

	mu      sync.Mutex
	entries []Entry
	state   turnState
}

// NewReducer creates an empty Reducer.
func NewReducer(opts ...Option) *Reducer {
	r := &Reducer{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply folds ev into the entry list and returns a snapshot of the entry it
// touched. Empty TEXT fragments are ignored.
func (r *Reducer) Apply(ev Event) Entry {
	r.mu.Lock()

	if ev.Kind == Text && ev.Text == "" {
		cur := r.currentLocked()
		r.mu.Unlock()
		return cur
	}

	if r.state != awaitingFirstEvent && r.lastLocked().Speaker == ev.Speaker {
		last := &r.entries[len(r.entries)-1]
		if ev.Kind == Text {
			if r.state == audioOnly {
				last.Kind = Text
				last.Content = ev.Text
				r.state = textTurn
			} else {
				last.Content += ev.Text
			}
		}
		cur := *last
		r.mu.Unlock()
		return cur
	}

	committed, ok := r.commitLocked()
	cur := r.openLocked(ev)
	r.mu.Unlock()

	if ok {
		r.notify(committed)
	}
	return cur
}

// Submit records a complete message typed by speaker as its own committed
// entry. Any open turn is committed first and the next event opens a new
// turn.
func (r *Reducer) Submit(speaker Speaker, text string) Entry {
	r.mu.Lock()
	prev, hadOpen := r.commitLocked()
	e := Entry{
		ID:        r.newID(),
		Speaker:   speaker,
		Kind:      Text,
		Content:   text,
		CreatedAt: r.now(),
		Committed: true,
	}
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	if hadOpen {
		r.notify(prev)
	}
	r.notify(e)
	return e
}

// Flush commits the open entry, if any. It is called when the session ends.
func (r *Reducer) Flush() {
	r.mu.Lock()
	e, ok := r.commitLocked()
	r.mu.Unlock()
	if ok {
		r.notify(e)
	}
}

// Entries returns a copy of all entries in order.
func (r *Reducer) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries.
func (r *Reducer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Reducer) lastLocked() Entry {
	if len(r.entries) == 0 {
		return Entry{}
	}
	return r.entries[len(r.entries)-1]
}

func (r *Reducer) currentLocked() Entry {
	if r.state == awaitingFirstEvent {
		return Entry{}
	}
	return r.lastLocked()
}

// commitLocked seals the open entry and resets the turn state.
func (r *Reducer) commitLocked() (Entry, bool) {
	if r.state == awaitingFirstEvent {
		return Entry{}, false
	}
	last := &r.entries[len(r.entries)-1]
	last.Committed = true
	r.state = awaitingFirstEvent
	return *last, true
}

func (r *Reducer) openLocked(ev Event) Entry {
	e := Entry{
		ID:        r.newID(),
		Speaker:   ev.Speaker,
		Kind:      ev.Kind,
		CreatedAt: r.now(),
	}
	if ev.Kind == Text {
		e.Content = ev.Text
		r.state = textTurn
	} else {
		r.state = audioOnly
	}
	r.entries = append(r.entries, e)
	return e
}

func (r *Reducer) notify(e Entry) {
	if r.onCommit != nil {
		r.onCommit(e)
	}
}
