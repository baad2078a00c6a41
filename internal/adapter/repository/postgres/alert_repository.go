package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

const alertColumns = `id, rule_id, entity_key, labels, severity, status, message, current_value, threshold,
	created_at, updated_at, resolved_at, silenced_until`

// AlertRepository implements domain.AlertRepository for PostgreSQL.
type AlertRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAlertRepository creates a new PostgreSQL alert repository.
func NewAlertRepository(db *sql.DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger.With("component", "postgres_alert_repository")}
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var (
		a             domain.Alert
		labels        []byte
		resolvedAt    sql.NullTime
		silencedUntil sql.NullTime
	)
	err := s.Scan(&a.ID, &a.RuleID, &a.EntityKey, &labels, &a.Severity, &a.Status, &a.Message,
		&a.CurrentValue, &a.Threshold, &a.CreatedAt, &a.UpdatedAt, &resolvedAt, &silencedUntil)
	if err != nil {
		return nil, err
	}
	if a.Labels, err = unmarshalLabels(labels); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	if silencedUntil.Valid {
		t := silencedUntil.Time.UTC()
		a.SilencedUntil = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// Create inserts a new alert. The partial unique index rejects a second open
// alert for the same rule and entity.
func (r *AlertRepository) Create(ctx context.Context, a *domain.Alert) error {
	labels, err := marshalLabels(a.Labels)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.RuleID, a.EntityKey, labels, a.Severity, a.Status, a.Message, a.CurrentValue, a.Threshold,
		a.CreatedAt, a.UpdatedAt, a.ResolvedAt, a.SilencedUntil)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (r *AlertRepository) Update(ctx context.Context, a *domain.Alert) error {
	res, err := r.db.ExecContext(ctx, `UPDATE alerts SET
			status = $2, message = $3, current_value = $4, updated_at = $5, resolved_at = $6, silenced_until = $7
		WHERE id = $1`,
		a.ID, a.Status, a.Message, a.CurrentValue, a.UpdatedAt, a.ResolvedAt, a.SilencedUntil)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", a.ID, err)
	}
	return expectOneRow(res)
}

func (r *AlertRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", id, err)
	}
	return a, nil
}

// alertListQuery builds the filtered listing, newest first.
func alertListQuery(f domain.AlertFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if f.RuleID != uuid.Nil {
		args = append(args, f.RuleID)
		where = append(where, "rule_id = $"+strconv.Itoa(len(args)))
	}

	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return q, args
}

func (r *AlertRepository) List(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	q, args := alertListQuery(f)
	return r.query(ctx, q, args...)
}

func (r *AlertRepository) ListOpen(ctx context.Context) ([]*domain.Alert, error) {
	return r.query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE status IN ('active', 'silenced')`)
}

func (r *AlertRepository) query(ctx context.Context, q string, args ...any) ([]*domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
