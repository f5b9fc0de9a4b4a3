package seance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/seance/internal/observe"
	"github.com/MrWong99/seance/pkg/provider/s2s"
)

// bootstrap primes the engine right after the setup acknowledgement: first
// the project context (only when there are files) without completing the
// turn, then the introduction that completes it. Each write returns only
// once the transport accepted it, so the introduction can never overtake
// the context.
func (s *Session) bootstrap(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "seance.bootstrap")
	defer span.End()
	start := time.Now()

	if !s.project.Empty() {
		item := s2s.ContextItem{Text: s.prompts.Project(s.project.Files), TurnComplete: false}
		if err := s.handle.SendContext(item); err != nil {
			s.metrics.RecordContextSend(ctx, "project", "error")
			span.RecordError(err)
			return fmt.Errorf("send project context: %w", err)
		}
		s.metrics.RecordContextSend(ctx, "project", "ok")
		s.logf(slog.LevelInfo, "project context sent", "files", len(s.project.Files))
	}

	intro := s2s.ContextItem{Text: s.prompts.Intro(len(s.project.Files)), TurnComplete: true}
	if err := s.handle.SendContext(intro); err != nil {
		s.metrics.RecordContextSend(ctx, "intro", "error")
		span.RecordError(err)
		return fmt.Errorf("send introduction: %w", err)
	}
	s.metrics.RecordContextSend(ctx, "intro", "ok")
	s.metrics.BootstrapDuration.Record(ctx, time.Since(start).Seconds())
	s.logf(slog.LevelInfo, "introduction requested")
	return nil
}
