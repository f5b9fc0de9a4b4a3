package seance

import "sync/atomic"

// PendingFile is file context waiting to ride along with the next microphone
// frame.
type PendingFile struct {
	FileName string
	Content  string
}

// pendingSlot holds at most one [PendingFile]. Setting replaces an unconsumed
// value; Take hands the value to exactly one caller.
type pendingSlot struct {
	p atomic.Pointer[PendingFile]
}

// Set stores f and reports whether an unconsumed value was discarded.
func (s *pendingSlot) Set(f PendingFile) bool {
	return s.p.Swap(&f) != nil
}

// Take returns and clears the stored value, or nil.
func (s *pendingSlot) Take() *PendingFile {
	return s.p.Swap(nil)
}
