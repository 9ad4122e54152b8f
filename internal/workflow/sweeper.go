package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/model"
)

// Sweep run statuses.
const (
	sweepOK     = "ok"
	sweepFailed = "failed"
)

// Sweeper moves sent RFIs whose due date has passed to overdue. Each RFI goes
// through Engine.Execute, so a sweep racing a user transition or another
// sweeper simply loses the conditional update for that record.
type Sweeper struct {
	engine  *Engine
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewSweeper creates a Sweeper that drives engine. It shares the engine's
// logger and metrics.
func NewSweeper(engine *Engine) *Sweeper {
	return &Sweeper{
		engine:  engine,
		logger:  engine.logger.Named("sweeper"),
		metrics: engine.metrics,
	}
}

// Sweep transitions every sent RFI due before now and returns how many it
// moved. A failure on one RFI is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (moved int, err error) {
	start := time.Now()
	skipped := 0
	ctx, span := observability.StartSpan(ctx, "workflow.Sweep")
	defer func() {
		span.SetAttributes(
			observability.AttrSweepCount.Int(moved),
			observability.AttrSweepSkipped.Int(skipped),
		)
		observability.EndSpanWithError(span, err)
		status := sweepOK
		if err != nil {
			status = sweepFailed
		}
		s.metrics.RecordSweep(status, moved, skipped, time.Since(start))
	}()

	due, err := s.engine.store.FindSentPastDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find sent past due: %w", err)
	}

	log := observability.Enrich(ctx, s.logger)
	for _, rfi := range due {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		_, execErr := s.engine.Execute(ctx, Request{
			RFIID:   rfi.ID,
			Target:  model.StatusOverdue,
			ActorID: model.SystemActor,
		})
		if execErr != nil {
			// Log and continue processing other RFIs.
			skipped++
			log.Warn("overdue transition skipped",
				zap.String("rfi_id", rfi.ID),
				zap.Error(execErr),
			)
			continue
		}
		moved++
	}

	log.Info("overdue sweep finished",
		zap.Int("candidates", len(due)),
		zap.Int("transitioned", moved),
		zap.Int("skipped", skipped),
	)
	return moved, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged;
// Run itself only returns when ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.engine.Now()); err != nil && ctx.Err() == nil {
				s.logger.Error("overdue sweep failed", zap.Error(err))
			}
		}
	}
}
