package seance

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/seance/internal/transcript"
	"github.com/MrWong99/seance/pkg/audio"
	"github.com/MrWong99/seance/pkg/provider/s2s"
)

// inboundLoop consumes server events until the transport's event stream
// ends. It is the sole user of the playback scheduler. Events still queued
// after a local Close are drained without dispatch.
func (s *Session) inboundLoop() {
	for ev := range s.handle.Events() {
		select {
		case <-s.done:
			continue
		default:
		}
		s.dispatching.Store(true)
		s.handleEvent(ev)
		s.dispatching.Store(false)
	}

	remote := s.stop()
	if remote {
		err := s.handle.Err()
		if err == nil {
			err = errors.New("connection ended")
		}
		s.logf(slog.LevelWarn, "session closed by remote", "err", err)
	}
	s.workers.Wait()
	s.setState(StateClosed)
	close(s.inboundDone)

	if remote && s.cb.OnClose != nil {
		s.cb.OnClose()
	}
}

// handleEvent processes each part of one server message independently.
func (s *Session) handleEvent(ev s2s.ServerEvent) {
	for _, chunk := range ev.Audio {
		s.play(chunk)
	}
	if ev.OutputTranscript != "" {
		s.forwardTranscript(transcript.Spirit, ev.OutputTranscript)
	}
	if ev.InputTranscript != "" {
		s.forwardTranscript(transcript.User, ev.InputTranscript)
	}
	if ev.Interrupted {
		s.logf(slog.LevelInfo, "spirit interrupted by user speech")
	}
	if ev.TurnComplete {
		s.log.Debug("spirit turn complete")
	}
}

// play decodes one chunk and schedules it. Undecodable chunks are dropped.
func (s *Session) play(chunk s2s.AudioChunk) {
	ctx := context.Background()
	seg, err := audio.Decode(chunk.Data, chunk.SampleRate, 1, audio.TransportBitDepth)
	if err != nil {
		s.metrics.DecodeFailures.Add(ctx, 1)
		s.logf(slog.LevelWarn, "audio chunk dropped", "bytes", len(chunk.Data), "err", err)
		return
	}
	sc := s.sched.Enqueue(seg.Resample(s.deviceRate))
	s.metrics.SegmentsScheduled.Add(ctx, 1)
	s.metrics.PlaybackLead.Record(ctx, s.sched.Lead().Seconds())
	if s.cb.OnAudioSegment != nil {
		s.cb.OnAudioSegment(sc)
	}
}

func (s *Session) forwardTranscript(speaker transcript.Speaker, text string) {
	s.metrics.RecordTranscriptFragment(context.Background(), speaker.String())
	if s.cb.OnTranscript != nil {
		s.cb.OnTranscript(speaker, text)
	}
}
