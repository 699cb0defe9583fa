package history

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/tresgarza/may20-crm-final-sub000/internal/store"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the history table if missing.
func Migrate(ctx context.Context, db store.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate history: %w", err)
	}
	return nil
}

// PgRecorder writes history rows with plain INSERTs, outside any status
// transaction.
type PgRecorder struct {
	db store.DB
}

// NewPgRecorder creates a Postgres recorder.
func NewPgRecorder(db store.DB) *PgRecorder {
	return &PgRecorder{db: db}
}

// Append inserts one entry.
func (r *PgRecorder) Append(ctx context.Context, e model.HistoryEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO application_status_history (
			id, application_id, field, requested_status,
			prior_status, resulting_status, comment,
			actor_id, actor_role, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ApplicationID, string(e.Field), string(e.RequestedStatus),
		string(e.PriorStatus), string(e.ResultingStatus), e.Comment,
		e.ActorID, string(e.ActorRole), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// List returns the entries for one application, oldest first.
func (r *PgRecorder) List(ctx context.Context, applicationID string) ([]model.HistoryEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, application_id, field, requested_status,
		       prior_status, resulting_status, comment,
		       actor_id, actor_role, created_at
		FROM application_status_history
		WHERE application_id = $1
		ORDER BY created_at, id`,
		applicationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e                            model.HistoryEntry
			field, role                  string
			requested, prior, resulting string
		)
		if err := rows.Scan(
			&e.ID, &e.ApplicationID, &field, &requested,
			&prior, &resulting, &e.Comment,
			&e.ActorID, &role, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if e.Field, err = model.ParseField(field); err != nil {
			e.Field = model.Field(field)
		}
		e.ActorRole = model.Role(role)
		// Older entries may carry legacy spellings; unknown ones are kept verbatim.
		e.RequestedStatus = normalize(requested)
		e.PriorStatus = normalize(prior)
		e.ResultingStatus = normalize(resulting)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// HealthCheck verifies the history database answers.
func (r *PgRecorder) HealthCheck(ctx context.Context) error {
	_, err := r.db.Exec(ctx, "SELECT 1")
	return err
}

func normalize(raw string) model.Status {
	if s, err := model.ParseStatus(raw); err == nil {
		return s
	}
	return model.Status(raw)
}
