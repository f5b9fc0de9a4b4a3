package memory

import "time"

// TranscriptEntry is one committed line of a séance transcript.
type TranscriptEntry struct {
	// ID is the reducer-assigned entry id.
	ID string

	// Speaker is the display label of the party ("USER" or "SPIRIT").
	Speaker string

	// Kind is "TEXT", or "AUDIO" for a turn that never received a transcript.
	Kind string

	// Text is the merged transcript of the turn.
	Text string

	// Timestamp is when the turn started.
	Timestamp time.Time
}
