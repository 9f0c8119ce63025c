// Package cronsource submits configured commands on a schedule. Dedup keys
// derive from the firing time, so a restarted daemon does not double-submit
// a firing it already accepted.
package cronsource

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/command"
	"github.com/instruktai/teleclaude/internal/common/config"
	"github.com/instruktai/teleclaude/internal/common/logger"
)

// Source runs the cron schedule.
type Source struct {
	entries []config.CronEntry
	ingress *command.Ingress
	log     *logger.Logger
	cron    *cron.Cron
}

// New creates the cron source from config entries.
func New(entries []config.CronEntry, ingress *command.Ingress, log *logger.Logger) *Source {
	return &Source{
		entries: entries,
		ingress: ingress,
		log:     log.WithFields(zap.String("component", "cron")),
	}
}

// Start registers every entry and begins the scheduler.
func (s *Source) Start(ctx context.Context) error {
	s.cron = cron.New()
	for _, entry := range s.entries {
		entry := entry
		if _, err := s.cron.AddFunc(entry.Schedule, func() {
			s.fire(ctx, entry)
		}); err != nil {
			return fmt.Errorf("invalid cron schedule '%s' for '%s': %w", entry.Schedule, entry.Name, err)
		}
		s.log.Info("cron entry registered",
			zap.String("name", entry.Name),
			zap.String("schedule", entry.Schedule),
			zap.String("kind", entry.Kind))
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for running submissions.
func (s *Source) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Source) fire(ctx context.Context, entry config.CronEntry) {
	args, err := command.DecodeArgs(entry.Kind, payloadOrEmpty(entry.Payload))
	if err != nil {
		s.log.Error("cron entry payload invalid",
			zap.String("name", entry.Name),
			zap.Error(err))
		return
	}

	// One firing, one dedup key: resubmission after a crash inside the same
	// minute collapses onto the original entry.
	dedup := fmt.Sprintf("cron:%s:%s", entry.Name, time.Now().UTC().Format("2006-01-02T15:04"))

	if _, err := s.ingress.Submit(ctx, &command.Command{
		Kind:     entry.Kind,
		Source:   command.SourceCron,
		DedupKey: dedup,
		Args:     args,
	}); err != nil {
		s.log.Error("cron submission rejected",
			zap.String("name", entry.Name),
			zap.Error(err))
	}
}

func payloadOrEmpty(payload string) string {
	if payload == "" {
		return "{}"
	}
	return payload
}
