// Package aggregation turns a fully reported occurrence into a decision.
package aggregation

import (
	"context"
	"time"

	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/pkg/errors"
	"rcs/pkg/metrics"
	"rcs/pkg/models"
)

// DefaultSource is the envelope source of decisions reached by evaluation.
const DefaultSource = constants.ServiceEvaluator

type OccurrenceStore interface {
	Decide(ctx context.Context, id string, action domain.Action, at time.Time) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
}

// Decider stores the suggested action of a completed occurrence and hands it
// to issuance.
type Decider struct {
	occurrences OccurrenceStore
	thresholds  domain.ThresholdTable
	producer    Publisher
	topic       string
	source      string
	logger      logger.Logger
	now         func() time.Time
}

func NewDecider(occurrences OccurrenceStore, thresholds domain.ThresholdTable, producer Publisher, topic, source string, log logger.Logger) *Decider {
	return &Decider{
		occurrences: occurrences,
		thresholds:  thresholds,
		producer:    producer,
		topic:       topic,
		source:      source,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ThresholdsFromConfig builds the punish level table.
func ThresholdsFromConfig(rows []config.PunishActionConfig) (domain.ThresholdTable, error) {
	thresholds := make([]domain.Threshold, 0, len(rows))
	for _, row := range rows {
		action := domain.Action(row.Action)
		if action == domain.ActionNone || !action.Valid() {
			return nil, errors.ErrValidation.WithMessage("unknown punish action %q", row.Action)
		}
		thresholds = append(thresholds, domain.Threshold{Level: row.Level, Action: action})
	}
	return domain.NewThresholdTable(thresholds...), nil
}

// Complete decides occ when all of its entries have reported. It reports
// whether this call made the decision; an incomplete or already decided
// occurrence is left alone.
func (d *Decider) Complete(ctx context.Context, occ *domain.Occurrence) (bool, error) {
	if !occ.RulesResolved || !occ.Complete() || occ.Decided {
		return false, nil
	}

	action := d.thresholds.Suggest(occ.HitPunishLevel)
	decided, err := d.occurrences.Decide(ctx, occ.ID, action, d.now())
	if err != nil {
		return false, err
	}
	if !decided {
		return false, nil
	}

	metrics.OccurrencesDecidedTotal.WithLabelValues(actionLabel(action)).Inc()
	d.logger.InfowCtx(ctx, "Occurrence decided",
		"occurrence_id", occ.ID,
		"hit_punish_level", occ.HitPunishLevel,
		"total_punish_level", occ.TotalPunishLevel,
		"suggested_action", action,
	)

	return true, d.Announce(ctx, occ.ID, occ.HitPunishLevel, action)
}

// Announce publishes the decision. The reconciliation sweep calls it again
// for decisions issuance never picked up.
func (d *Decider) Announce(ctx context.Context, occurrenceID string, hitLevel int, action domain.Action) error {
	env, err := models.NewMessageEnvelopeBuilder().
		WithType(models.MessageTypeOccurrenceDecided).
		WithSource(d.source).
		WithOccurrence(occurrenceID, "").
		WithPayload(models.OccurrenceDecided{
			OccurrenceID:    occurrenceID,
			HitPunishLevel:  hitLevel,
			SuggestedAction: string(action),
		}).
		Build()
	if err != nil {
		return err
	}
	return d.producer.Publish(ctx, d.topic, *env)
}

func actionLabel(a domain.Action) string {
	if a == domain.ActionNone {
		return "none"
	}
	return string(a)
}
