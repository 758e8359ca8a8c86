package management

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rcs/internal/constants"
	"rcs/pkg/metrics"
)

const auditDBLabel = "postgres"

// Actor identifies who made a change. Handlers attach it to the request
// context and the service copies it into every audit entry.
type Actor struct {
	Subject string
	IP      string
	Reason  string
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{}
}

type PostgresAuditRepository struct {
	db *sql.DB
}

func NewPostgresAuditRepository(db *sql.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

func (r *PostgresAuditRepository) Log(ctx context.Context, entry AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, entity_id, entity_type, action, old_value, new_value, changed_by, change_reason, ip_address, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	oldValue, err := jsonColumn(entry.OldValue)
	if err != nil {
		return err
	}
	newValue, err := jsonColumn(entry.NewValue)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.EntityID, entry.EntityType, entry.Action,
		oldValue, newValue,
		entry.ChangedBy, nullable(entry.ChangeReason), nullable(entry.IPAddress), entry.Timestamp,
	)
	metrics.ObserveDatabaseQuery(auditDBLabel, "audit_log", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepository) List(ctx context.Context, filter AuditFilter) ([]AuditLog, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	args = append(args, limit)

	query := `
		SELECT id, entity_id, entity_type, action, old_value, new_value, changed_by, change_reason, ip_address, timestamp
		FROM audit_logs`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf("\n\t\tORDER BY timestamp DESC\n\t\tLIMIT $%d", len(args))

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	metrics.ObserveDatabaseQuery(auditDBLabel, "audit_list", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := []AuditLog{}
	for rows.Next() {
		var log AuditLog
		var oldValue, newValue []byte
		var changeReason, ipAddr sql.NullString
		if err := rows.Scan(
			&log.ID, &log.EntityID, &log.EntityType, &log.Action,
			&oldValue, &newValue, &log.ChangedBy, &changeReason, &ipAddr, &log.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.ChangeReason = changeReason.String
		log.IPAddress = ipAddr.String

		if len(oldValue) > 0 {
			if err := json.Unmarshal(oldValue, &log.OldValue); err != nil {
				return nil, fmt.Errorf("failed to unmarshal old value: %w", err)
			}
		}
		if len(newValue) > 0 {
			if err := json.Unmarshal(newValue, &log.NewValue); err != nil {
				return nil, fmt.Errorf("failed to unmarshal new value: %w", err)
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return logs, nil
}

func jsonColumn(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit value: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
