package dispatch

import (
	"context"
	"time"

	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/internal/store"
	"rcs/pkg/errors"
	"rcs/pkg/metrics"
)

const defaultReconcileBatch = 200

// Reconciler periodically repairs occurrences whose pipeline stalled: rules
// never resolved, entries whose evaluation never reported, and decisions
// issuance never processed.
type Reconciler struct {
	service *Service
	cfg     config.ReconcileConfig
	logger  logger.Logger
	now     func() time.Time
}

func NewReconciler(service *Service, cfg config.ReconcileConfig, log logger.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultReconcileInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = constants.DefaultReconcileStaleAfter
	}
	if cfg.MaxRedispatch <= 0 {
		cfg.MaxRedispatch = constants.DefaultMaxRedispatch
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReconcileBatch
	}
	return &Reconciler{
		service: service,
		cfg:     cfg,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Infow("Reconciliation sweep started",
		"interval", r.cfg.Interval,
		"stale_after", r.cfg.StaleAfter,
		"max_redispatch", r.cfg.MaxRedispatch,
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciliation sweep stopped")
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorwCtx(ctx, "Reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass. Per-occurrence failures are logged and skipped so
// one bad occurrence cannot stall the rest.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.StaleAfter)

	undecided, err := r.sweepUndecided(ctx, cutoff)
	if err != nil {
		return err
	}

	unissued, err := r.service.occurrences.Unissued(ctx, cutoff, int64(r.cfg.BatchSize))
	if err != nil {
		return err
	}
	for _, occ := range unissued {
		if err := r.service.decider.Announce(ctx, occ.ID, occ.HitPunishLevel, occ.SuggestedAction); err != nil {
			r.logger.WarnwCtx(ctx, "Failed to re-announce decision",
				"occurrence_id", occ.ID,
				"error", err,
			)
			continue
		}
		metrics.ReconciledEntriesTotal.WithLabelValues("reannounced").Inc()
	}

	if undecided+len(unissued) > 0 {
		r.logger.InfowCtx(ctx, "Reconciliation sweep finished",
			"undecided", undecided,
			"unissued", len(unissued),
		)
	}
	return nil
}

// sweepUndecided pages through every stale undecided occurrence, so
// occurrences that keep failing cannot hold newer ones out of the batch.
func (r *Reconciler) sweepUndecided(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		after store.Cursor
		seen  int
	)
	for {
		batch, err := r.service.occurrences.Undecided(ctx, cutoff, after, int64(r.cfg.BatchSize))
		if err != nil {
			return seen, err
		}
		for i := range batch {
			occ := &batch[i]
			if err := r.reconcile(ctx, occ, cutoff); err != nil {
				r.logger.WarnwCtx(ctx, "Failed to reconcile occurrence",
					"occurrence_id", occ.ID,
					"error", err,
				)
			}
		}
		seen += len(batch)

		if len(batch) < r.cfg.BatchSize {
			return seen, nil
		}
		if err := ctx.Err(); err != nil {
			return seen, err
		}
		last := batch[len(batch)-1]
		after = store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, occ *domain.Occurrence, cutoff time.Time) error {
	if !occ.RulesResolved {
		metrics.ReconciledEntriesTotal.WithLabelValues("resolved").Inc()
		err := r.service.Dispatch(ctx, occ.ID)
		if errors.IsPermanent(err) {
			return r.abandon(ctx, occ.ID, err)
		}
		return err
	}
	if occ.Complete() {
		metrics.ReconciledEntriesTotal.WithLabelValues("decided").Inc()
		_, err := r.service.decider.Complete(ctx, occ)
		return err
	}

	for _, entry := range occ.Entries {
		if entry.Status.Completed() || !stale(entry, cutoff) {
			continue
		}

		if entry.Attempts >= r.cfg.MaxRedispatch {
			if err := r.timeOut(ctx, occ.ID, entry); err != nil {
				return err
			}
			continue
		}

		err := r.service.send(ctx, occ, entry)
		if errors.IsPermanent(err) {
			// rendering keeps failing; give up on the rule instead of retrying forever
			err = r.timeOut(ctx, occ.ID, entry)
		}
		if err != nil {
			return err
		}
		metrics.ReconciledEntriesTotal.WithLabelValues("redispatched").Inc()
	}
	return nil
}

// abandon decides an occurrence whose rules can never be resolved, such as
// one whose event was deleted, with no entries and therefore no action.
func (r *Reconciler) abandon(ctx context.Context, occurrenceID string, cause error) error {
	initialized, err := r.service.occurrences.InitEntries(ctx, occurrenceID, []domain.RuleEntry{})
	if err != nil {
		return err
	}
	if !initialized {
		// rules resolved before the failure; their entries time out instead
		return cause
	}

	occ, err := r.service.occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return err
	}
	metrics.ReconciledEntriesTotal.WithLabelValues("abandoned").Inc()
	r.logger.WarnwCtx(ctx, "Occurrence abandoned without rules",
		"occurrence_id", occurrenceID,
		"error", cause,
	)
	_, err = r.service.decider.Complete(ctx, occ)
	return err
}

// timeOut closes the entry as a non-match so the occurrence can be decided.
func (r *Reconciler) timeOut(ctx context.Context, occurrenceID string, entry domain.RuleEntry) error {
	updated, err := r.service.occurrences.RecordOutcome(ctx, occurrenceID, store.Outcome{
		RuleID:      entry.RuleID,
		PunishLevel: entry.PunishLevel,
		TimedOut:    true,
		At:          r.now(),
	})
	if err != nil || updated == nil {
		return err
	}

	metrics.ReconciledEntriesTotal.WithLabelValues("timed_out").Inc()
	r.logger.WarnwCtx(ctx, "Rule entry timed out",
		"occurrence_id", occurrenceID,
		"rule_id", entry.RuleID,
		"attempts", entry.Attempts,
	)

	_, err = r.service.decider.Complete(ctx, updated)
	return err
}

// stale reports whether an open entry has waited past cutoff. Entries that
// were never sent only exist on occurrences already older than cutoff.
func stale(entry domain.RuleEntry, cutoff time.Time) bool {
	if entry.DispatchedAt == nil {
		return true
	}
	return entry.DispatchedAt.Before(cutoff)
}
