package seance

import (
	"context"
	"log/slog"

	"github.com/MrWong99/seance/pkg/audio"
	"github.com/MrWong99/seance/pkg/provider/s2s"
)

// outboundItem is one entry of the ordered send queue. When both fields are
// set the context is written strictly before the audio.
type outboundItem struct {
	context *s2s.ContextItem
	kind    string // metric label of context
	audio   []byte
}

// enqueueContext queues a text turn behind everything accepted so far and
// reports whether it was queued. Outside the open state the turn is dropped
// with a warning.
func (s *Session) enqueueContext(kind, text string, turnComplete bool) bool {
	if !s.open() {
		s.logf(slog.LevelWarn, "context not sent: session not open", "kind", kind, "state", s.State().String())
		return false
	}
	item := outboundItem{
		context: &s2s.ContextItem{Text: text, TurnComplete: turnComplete},
		kind:    kind,
	}
	select {
	case s.outbound <- item:
		return true
	case <-s.done:
		s.logf(slog.LevelWarn, "context not sent: session closed while queueing", "kind", kind)
		return false
	}
}

// encodeLoop converts captured frames to transport PCM and attaches any
// pending file context to the frame that consumes it.
func (s *Session) encodeLoop() {
	defer s.workers.Done()
	for {
		select {
		case <-s.done:
			return
		case samples := <-s.frames:
			item := outboundItem{
				audio: audio.EncodeFloat32(audio.Resample(samples, s.inputRate, audio.TransportSampleRate)),
			}
			if p := s.pending.Take(); p != nil {
				item.context = &s2s.ContextItem{Text: s.prompts.Pending(*p), TurnComplete: false}
				item.kind = "pending"
			}
			select {
			case s.outbound <- item:
			case <-s.done:
				return
			}
		}
	}
}

// writeLoop is the only goroutine that writes to the transport.
func (s *Session) writeLoop() {
	defer s.workers.Done()
	for {
		select {
		case <-s.done:
			return
		case item := <-s.outbound:
			s.write(item)
		}
	}
}

func (s *Session) write(item outboundItem) {
	ctx := context.Background()
	if item.context != nil {
		if err := s.handle.SendContext(*item.context); err != nil {
			s.metrics.RecordContextSend(ctx, item.kind, "error")
			s.metrics.RecordSendError(ctx, "context")
			s.logf(slog.LevelWarn, "context send failed", "kind", item.kind, "err", err)
		} else {
			s.metrics.RecordContextSend(ctx, item.kind, "ok")
			s.logf(slog.LevelInfo, "context sent",
				"kind", item.kind,
				"bytes", len(item.context.Text),
				"turn_complete", item.context.TurnComplete,
			)
		}
	}
	if item.audio != nil {
		if err := s.handle.SendAudio(item.audio); err != nil {
			s.metrics.RecordSendError(ctx, "audio")
			s.log.Debug("audio send failed", "bytes", len(item.audio), "err", err)
			return
		}
		s.metrics.FramesSent.Add(ctx, 1)
	}
}
