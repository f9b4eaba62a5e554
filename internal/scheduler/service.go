// Package scheduler drives periodic workflow launches: it polls for due
// schedules, applies each schedule's overrun decision and persists the
// resulting token batches.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tokenflow/internal/parser"
	"tokenflow/internal/token"
	"tokenflow/internal/workflow"
)

// Source is a parser that can also hand out the engine schedule built
// from configuration, before any advancement.
type Source interface {
	parser.Parser
	WorkflowSchedule(ctx context.Context, workflowName string) (*workflow.Schedule, error)
}

// TokenStore persists emitted token batches and holds the current
// schedule token per workflow.
type TokenStore interface {
	SaveTokens(ctx context.Context, tokens []token.Token) error
	Token(ctx context.Context, name string) (*token.Token, error)
}

// Service polls schedules and launches due workflows.
type Service struct {
	source   Source
	tokens   TokenStore
	deps     workflow.RunDeps
	owner    string
	interval time.Duration
	parallel int
	stop     chan struct{}
}

// NewService creates a scheduling service. parallel bounds how many
// workflows are processed concurrently per tick.
func NewService(source Source, tokens TokenStore, deps workflow.RunDeps, interval time.Duration, parallel int) *Service {
	if parallel <= 0 {
		parallel = 4
	}
	return &Service{
		source:   source,
		tokens:   tokens,
		deps:     deps,
		owner:    "scheduler",
		interval: interval,
		parallel: parallel,
		stop:     make(chan struct{}),
	}
}

// Start runs the polling loop until the context is canceled or Stop is
// called.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Stop terminates the polling loop.
func (s *Service) Stop() { close(s.stop) }

// Tick processes every configured workflow once, launching those whose
// schedule is due.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	names, err := s.source.WorkflowNames(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list workflows")
		return
	}

	sem := make(chan struct{}, s.parallel)
	var wg sync.WaitGroup
	for _, name := range names {
		sem <- struct{}{}
		wg.Add(1)
		go func(name string) {
			defer func() { <-sem; wg.Done() }()
			if err := s.processWorkflow(ctx, name, now); err != nil {
				log.Error().Err(err).Str("workflow", name).Msg("failed to process workflow")
			}
		}(name)
	}
	wg.Wait()
}

// processWorkflow reconciles the stored schedule token against the
// configured schedule, and launches the workflow when the trigger is due.
func (s *Service) processWorkflow(ctx context.Context, name string, now time.Time) error {
	sched, err := s.currentSchedule(ctx, name)
	if err != nil {
		return err
	}
	if sched == nil {
		return nil
	}
	if sched.NextRunTime > now.Unix() {
		return nil
	}

	tokens, advance, err := sched.Run(ctx, s.deps)
	if err != nil {
		return err
	}
	if len(tokens) > 0 {
		if err := s.tokens.SaveTokens(ctx, tokens); err != nil {
			return err
		}
		log.Info().Str("workflow", name).Int("tokens", len(tokens)).Msg("workflow launched")
	}
	if !advance {
		// The delay policy holds the trigger in the past until the
		// running instance finishes.
		return s.saveScheduleToken(ctx, sched)
	}

	if err := sched.Advance(now.Unix()); err != nil {
		if sched.RecurrenceSeconds == 0 && sched.CronExpr == "" {
			// One-shot schedule that has fired. Mark the trigger spent by
			// pushing it far into the future.
			sched.NextRunTime = now.Unix() + oneShotQuiet
			return s.saveScheduleToken(ctx, sched)
		}
		return err
	}
	return s.saveScheduleToken(ctx, sched)
}

// Quiet period applied to a fired one-shot schedule so it does not
// trigger again while still reconciling as the same logical schedule.
const oneShotQuiet = int64(100 * 365 * 24 * 3600)

// currentSchedule prefers the previously emitted schedule token, falling
// back to configuration; a configured schedule that no longer corresponds
// to the stored one replaces it.
func (s *Service) currentSchedule(ctx context.Context, name string) (*workflow.Schedule, error) {
	configured, err := s.source.WorkflowSchedule(ctx, name)
	if err != nil {
		return nil, err
	}
	if configured == nil {
		return nil, nil
	}

	stored, err := s.storedSchedule(ctx, name)
	if err != nil {
		log.Warn().Err(err).Str("workflow", name).Msg("discarding unreadable schedule token")
		stored = nil
	}
	if stored != nil && (configured.CorrespondsTo(stored) || firedOneShot(configured, stored)) {
		return stored, nil
	}
	if stored != nil {
		log.Info().Str("workflow", name).Msg("schedule configuration changed, resetting trigger")
	}
	return configured, nil
}

// firedOneShot recognizes the stored form of a one-shot schedule that has
// already triggered: identical to the configured one except for the
// trigger pushed into the quiet period.
func firedOneShot(configured, stored *workflow.Schedule) bool {
	if configured.RecurrenceSeconds != 0 || configured.CronExpr != "" || stored.NextRunTime <= configured.NextRunTime {
		return false
	}
	clone := *stored
	clone.NextRunTime = configured.NextRunTime
	return configured.CorrespondsTo(&clone)
}

func (s *Service) storedSchedule(ctx context.Context, name string) (*workflow.Schedule, error) {
	t, err := s.tokens.Token(ctx, token.Name{Workflow: name}.ScheduleToken())
	if err != nil || t == nil {
		return nil, err
	}
	var sched workflow.Schedule
	if err := token.Unwrap(t.Data, token.KindSchedule, &sched); err != nil {
		return nil, err
	}
	// Re-validate so the cron expression is parsed again.
	return workflow.NewSchedule(sched)
}

func (s *Service) saveScheduleToken(ctx context.Context, sched *workflow.Schedule) error {
	data, err := token.Wrap(token.KindSchedule, sched)
	if err != nil {
		return err
	}
	return s.tokens.SaveTokens(ctx, []token.Token{{
		Name:           token.Name{Workflow: sched.Workflow}.ScheduleToken(),
		Data:           data,
		Owner:          s.owner,
		ExpirationTime: sched.NextRunTime,
	}})
}
