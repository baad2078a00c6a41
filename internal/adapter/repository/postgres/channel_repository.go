package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

const channelColumns = `id, name, type, config, enabled, send_resolved, health, last_error, created_at, updated_at`

// ChannelRepository implements domain.ChannelRepository for PostgreSQL.
type ChannelRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewChannelRepository creates a new PostgreSQL channel repository.
func NewChannelRepository(db *sql.DB, logger *slog.Logger) *ChannelRepository {
	return &ChannelRepository{db: db, logger: logger.With("component", "postgres_channel_repository")}
}

func scanChannel(s scanner) (*domain.NotificationChannel, error) {
	var (
		c      domain.NotificationChannel
		config []byte
	)
	err := s.Scan(&c.ID, &c.Name, &c.Type, &config, &c.Enabled, &c.SendResolved, &c.Health, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Config = config
	return &c, nil
}

func (r *ChannelRepository) Create(ctx context.Context, c *domain.NotificationChannel) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO notification_channels (`+channelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Name, c.Type, string(c.Config), c.Enabled, c.SendResolved, c.Health, c.LastError,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

func (r *ChannelRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.NotificationChannel, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM notification_channels WHERE id = $1`, id)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel %s: %w", id, err)
	}
	return c, nil
}

// FindByIDs returns the channels that still exist; unknown ids are skipped.
func (r *ChannelRepository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.NotificationChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, `SELECT `+channelColumns+` FROM notification_channels WHERE id = ANY($1::uuid[])`,
		pq.Array(uuidStrings(ids)))
}

func (r *ChannelRepository) List(ctx context.Context) ([]*domain.NotificationChannel, error) {
	return r.query(ctx, `SELECT `+channelColumns+` FROM notification_channels ORDER BY created_at`)
}

func (r *ChannelRepository) query(ctx context.Context, q string, args ...any) ([]*domain.NotificationChannel, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var out []*domain.NotificationChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ChannelRepository) Update(ctx context.Context, c *domain.NotificationChannel) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notification_channels SET
			name = $2, type = $3, config = $4, enabled = $5, send_resolved = $6, health = $7, last_error = $8,
			updated_at = $9
		WHERE id = $1`,
		c.ID, c.Name, c.Type, string(c.Config), c.Enabled, c.SendResolved, c.Health, c.LastError, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update channel %s: %w", c.ID, err)
	}
	return expectOneRow(res)
}

func (r *ChannelRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notification_channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete channel %s: %w", id, err)
	}
	return expectOneRow(res)
}

func (r *ChannelRepository) SetHealth(ctx context.Context, id uuid.UUID, health domain.ChannelHealth, lastErr string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notification_channels SET health = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
		id, health, lastErr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set health on channel %s: %w", id, err)
	}
	return expectOneRow(res)
}
