// Package repository reads webhook subscriptions and writes the delivery
// audit trail.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/ledgerwatch/common/database"
	"github.com/telhawk-systems/ledgerwatch/common/models"
)

var ErrNotFound = errors.New("not found")

// PostgresRepository implements the delivery worker's storage on PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := database.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

// Subscription loads a webhook by id regardless of its active flag.
func (r *PostgresRepository) Subscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		sub    models.WebhookSubscription
		events []string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, url, secret, events, active,
		       last_delivery_at, last_delivery_status, last_delivery_success
		FROM webhook_subscriptions
		WHERE id = $1
	`, id).Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &events, &sub.Active,
		&sub.LastDeliveryAt, &sub.LastDeliveryStatus, &sub.LastDeliverySuccess)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	set, err := models.ParseEventSet(events)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", id, err)
	}
	sub.Events = set
	return &sub, nil
}

// RecordDelivery appends one audit row and stamps the subscription's last
// delivery summary in the same transaction.
func (r *PostgresRepository) RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	payload := d.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO webhook_deliveries (
			id, webhook_id, tenant_id, event, payload, success, status_code,
			attempt, error, response_time_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
	`, d.ID, d.WebhookID, d.TenantID, string(d.Event), payload, d.Success, d.StatusCode,
		d.Attempt, d.Error, d.ResponseTimeMs, d.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET last_delivery_at = $2, last_delivery_status = $3, last_delivery_success = $4
		WHERE id = $1
	`, d.WebhookID, d.CreatedAt, d.StatusCode, d.Success); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delivery: %w", err)
	}
	return nil
}

// Deliveries returns a webhook's most recent attempts, newest first.
func (r *PostgresRepository) Deliveries(ctx context.Context, webhookID string, limit int) ([]*models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, webhook_id, tenant_id, event, payload, success, status_code,
		       attempt, COALESCE(error, ''), response_time_ms, created_at
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC, attempt DESC
		LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		var (
			d     models.WebhookDelivery
			event string
		)
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.TenantID, &event, &d.Payload, &d.Success,
			&d.StatusCode, &d.Attempt, &d.Error, &d.ResponseTimeMs, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Event = models.WebhookEvent(event)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
