package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/platform"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS extension;
CREATE TABLE IF NOT EXISTS extension.payments (
    project_key text        NOT NULL,
    id          uuid        NOT NULL,
    version     bigint      NOT NULL,
    document    jsonb       NOT NULL,
    created_at  timestamptz NOT NULL DEFAULT now(),
    updated_at  timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (project_key, id)
);
`

var errIDExists = errors.New("payment id exists")

// Store keeps the payments of one project in a table shared by all projects.
type Store struct {
	db         *sql.DB
	projectKey string
	now        func() time.Time
}

func New(db *sql.DB, projectKey string) *Store {
	return &Store{db: db, projectKey: projectKey, now: time.Now}
}

// Migrate creates the schema when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating payments schema: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, platform.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT version, document FROM extension.payments WHERE project_key=$1 AND id=$2`, s.projectKey, id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, platform.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, id string, version int64, actions []models.UpdateAction) (*models.Payment, error) {
	current, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != version {
		return nil, platform.ErrVersionConflict
	}
	next, err := current.Apply(actions, s.now().UTC())
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encoding payment: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE extension.payments
           SET version = $4, document = $5, updated_at = now()
         WHERE project_key = $1 AND id = $2 AND version = $3
    `, s.projectKey, id, version, next.Version, doc)
	if err != nil {
		return nil, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// the row existed a moment ago, so another writer got there first
		return nil, platform.ErrVersionConflict
	}
	return next, nil
}

func (s *Store) CreatePayment(ctx context.Context, draft models.PaymentDraft) (*models.Payment, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := s.now().UTC()
		p := &models.Payment{
			ID:             uuid.New().String(),
			Key:            draft.Key,
			Version:        1,
			AmountPlanned:  draft.AmountPlanned,
			Custom:         draft.Custom,
			CreatedAt:      now,
			LastModifiedAt: now,
		}
		doc, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding payment: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
            INSERT INTO extension.payments(project_key, id, version, document)
            VALUES ($1,$2,$3,$4)
        `, s.projectKey, p.ID, p.Version, doc)
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("creating payment: %w", errIDExists)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DeleteAll removes every payment of the project.
func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM extension.payments WHERE project_key=$1`, s.projectKey)
	return err
}

func scanPayment(row *sql.Row) (*models.Payment, error) {
	var version int64
	var doc []byte
	if err := row.Scan(&version, &doc); err != nil {
		return nil, err
	}
	p := &models.Payment{}
	if err := json.Unmarshal(doc, p); err != nil {
		return nil, fmt.Errorf("decoding payment: %w", err)
	}
	p.Version = version
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
