package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tresgarza/may20-crm-final-sub000/model"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of *pgxpool.Pool used by the Postgres adapters.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Migrate creates the applications table and its indexes if missing.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate applications: %w", err)
	}
	return nil
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	db DB
}

// NewPgStore creates a Postgres store over db, usually a *pgxpool.Pool.
func NewPgStore(db DB) *PgStore {
	return &PgStore{db: db}
}

const selectColumns = `
	id, advisor_id, company_id,
	status, advisor_status, company_status,
	approved_by_advisor, approved_by_company,
	rejected_by_advisor, rejected_by_company, rejected_by_admin,
	approval_date_advisor, approval_date_company, dispersal_date,
	version, created_at, updated_at`

// Create inserts a new application row.
func (s *PgStore) Create(ctx context.Context, app *model.Application) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO applications (
			id, advisor_id, company_id,
			status, advisor_status, company_status,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		app.ID, app.AdvisorID, app.CompanyID,
		string(app.Status), string(app.AdvisorStatus), string(app.CompanyStatus),
		app.Version, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return classify("insert application", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", app.ID))
	}
	return nil
}

// LoadForUpdate reads the current row. No lock is held; Commit detects
// concurrent writers through the version column.
func (s *PgStore) LoadForUpdate(ctx context.Context, id string) (*model.Application, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("application %q not found", id))
	}
	if err != nil {
		return nil, classify("query application", err)
	}
	return app, nil
}

// Commit writes all status fields in one conditional UPDATE.
func (s *PgStore) Commit(ctx context.Context, app *model.Application) (*model.Application, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE applications SET
			status = $1,
			advisor_status = $2,
			company_status = $3,
			approved_by_advisor = $4,
			approved_by_company = $5,
			rejected_by_advisor = $6,
			rejected_by_company = $7,
			rejected_by_admin = $8,
			approval_date_advisor = $9,
			approval_date_company = $10,
			dispersal_date = $11,
			updated_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`,
		string(app.Status), string(app.AdvisorStatus), string(app.CompanyStatus),
		app.ApprovedByAdvisor, app.ApprovedByCompany,
		app.RejectedByAdvisor, app.RejectedByCompany, app.RejectedByAdmin,
		app.ApprovalDateAdvisor, app.ApprovalDateCompany, app.DispersalDate,
		app.UpdatedAt,
		app.ID, app.Version,
	)
	if err != nil {
		return nil, classify("update application", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.missOrConflict(ctx, app)
	}

	stored := app.Clone()
	stored.Version++
	return stored, nil
}

// missOrConflict distinguishes a vanished row from a stale version after a
// conditional update matched nothing.
func (s *PgStore) missOrConflict(ctx context.Context, app *model.Application) error {
	var version int
	err := s.db.QueryRow(ctx, `SELECT version FROM applications WHERE id = $1`, app.ID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("application %q not found", app.ID))
	}
	if err != nil {
		return classify("query application version", err)
	}
	return model.NewConflictError(
		fmt.Sprintf("application %q version conflict (read %d, stored %d)", app.ID, app.Version, version),
	)
}

// List returns matching applications, newest update first.
func (s *PgStore) List(ctx context.Context, filter model.ApplicationFilter) ([]*model.Application, error) {
	offset, limit := pageBounds(filter)
	rows, err := s.db.Query(ctx, `SELECT `+selectColumns+` FROM applications
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR advisor_id = $2)
		  AND ($3 = '' OR company_id = $3)
		ORDER BY updated_at DESC, id
		LIMIT $4 OFFSET $5`,
		string(filter.Status), filter.AdvisorID, filter.CompanyID, limit, offset,
	)
	if err != nil {
		return nil, classify("list applications", err)
	}
	defer rows.Close()

	var out []*model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, classify("scan application", err)
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate applications", err)
	}
	return out, nil
}

// HealthCheck verifies the database answers.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// scanApplication reads one row and normalizes legacy status spellings.
func scanApplication(row pgx.Row) (*model.Application, error) {
	var (
		app                   model.Application
		status, adv, co       string
		dateAdv, dateCo, disp *time.Time
	)
	err := row.Scan(
		&app.ID, &app.AdvisorID, &app.CompanyID,
		&status, &adv, &co,
		&app.ApprovedByAdvisor, &app.ApprovedByCompany,
		&app.RejectedByAdvisor, &app.RejectedByCompany, &app.RejectedByAdmin,
		&dateAdv, &dateCo, &disp,
		&app.Version, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	app.ApprovalDateAdvisor, app.ApprovalDateCompany, app.DispersalDate = dateAdv, dateCo, disp

	for _, f := range []struct {
		raw string
		dst *model.Status
	}{
		{status, &app.Status},
		{adv, &app.AdvisorStatus},
		{co, &app.CompanyStatus},
	} {
		s, err := model.ParseStatus(f.raw)
		if err != nil {
			return nil, fmt.Errorf("application %s: %w", app.ID, err)
		}
		*f.dst = s
	}
	return &app, nil
}

// classify maps transport-level failures to UNAVAILABLE so the workflow
// service can retry them; anything else is wrapped as-is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return model.NewUnavailableError(fmt.Errorf("%s: %w", op, err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.NewUnavailableError(fmt.Errorf("%s: %w", op, err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01",
			strings.HasPrefix(pgErr.Code, "08"):
			return model.NewUnavailableError(fmt.Errorf("%s: %w", op, err))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
