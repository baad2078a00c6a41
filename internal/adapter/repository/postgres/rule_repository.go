package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

const ruleColumns = `id, name, description, metric_name, operator, threshold, severity, enabled, labels,
	notification_channels, aggregation, window_ns, for_count, config_error, created_at, updated_at`

// RuleRepository implements domain.RuleRepository for PostgreSQL.
type RuleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRuleRepository creates a new PostgreSQL rule repository.
func NewRuleRepository(db *sql.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger.With("component", "postgres_rule_repository")}
}

type scanner interface {
	Scan(dest ...any) error
}

func marshalLabels(l domain.Labels) (string, error) {
	if len(l) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("failed to marshal labels: %w", err)
	}
	return string(b), nil
}

func unmarshalLabels(raw []byte) (domain.Labels, error) {
	var l domain.Labels
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	if len(l) == 0 {
		return nil, nil
	}
	return l, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func scanRule(s scanner) (*domain.AlertRule, error) {
	var (
		r        domain.AlertRule
		labels   []byte
		channels []string
		windowNS int64
	)
	err := s.Scan(&r.ID, &r.Name, &r.Description, &r.MetricName, &r.Operator, &r.Threshold, &r.Severity,
		&r.Enabled, &labels, pq.Array(&channels), &r.Aggregation, &windowNS, &r.ForCount, &r.ConfigError,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if r.Labels, err = unmarshalLabels(labels); err != nil {
		return nil, err
	}
	r.Window = domain.Duration(time.Duration(windowNS))
	r.NotificationChannels = make([]uuid.UUID, 0, len(channels))
	for _, c := range channels {
		id, err := uuid.Parse(c)
		if err != nil {
			return nil, fmt.Errorf("invalid channel id %q on rule %s: %w", c, r.ID, err)
		}
		r.NotificationChannels = append(r.NotificationChannels, id)
	}
	return &r, nil
}

func (r *RuleRepository) Create(ctx context.Context, rule *domain.AlertRule) error {
	labels, err := marshalLabels(rule.Labels)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO alert_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rule.ID, rule.Name, rule.Description, rule.MetricName, rule.Operator, rule.Threshold, rule.Severity,
		rule.Enabled, labels, pq.Array(uuidStrings(rule.NotificationChannels)), rule.Aggregation,
		int64(rule.Window), rule.ForCount, rule.ConfigError, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (r *RuleRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.AlertRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule %s: %w", id, err)
	}
	return rule, nil
}

func (r *RuleRepository) query(ctx context.Context, query string, args ...any) ([]*domain.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*domain.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *RuleRepository) List(ctx context.Context) ([]*domain.AlertRule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY created_at`)
}

func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*domain.AlertRule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled ORDER BY created_at`)
}

func (r *RuleRepository) Update(ctx context.Context, rule *domain.AlertRule) error {
	labels, err := marshalLabels(rule.Labels)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE alert_rules SET
			name = $2, description = $3, metric_name = $4, operator = $5, threshold = $6, severity = $7,
			enabled = $8, labels = $9, notification_channels = $10, aggregation = $11, window_ns = $12,
			for_count = $13, config_error = $14, updated_at = $15
		WHERE id = $1`,
		rule.ID, rule.Name, rule.Description, rule.MetricName, rule.Operator, rule.Threshold, rule.Severity,
		rule.Enabled, labels, pq.Array(uuidStrings(rule.NotificationChannels)), rule.Aggregation,
		int64(rule.Window), rule.ForCount, rule.ConfigError, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
	}
	return expectOneRow(res)
}

func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return expectOneRow(res)
}

func (r *RuleRepository) SetConfigError(ctx context.Context, id uuid.UUID, msg string) error {
	// Zero rows affected is fine: the message may be unchanged.
	_, err := r.db.ExecContext(ctx,
		`UPDATE alert_rules SET config_error = $2 WHERE id = $1 AND config_error <> $2`, id, msg)
	if err != nil {
		return fmt.Errorf("failed to record config error on rule %s: %w", id, err)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
