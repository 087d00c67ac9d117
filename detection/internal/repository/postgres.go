package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/ledgerwatch/common/database"
	"github.com/telhawk-systems/ledgerwatch/common/models"
)

const recordColumns = `
	id, tenant_id, upload_id, COALESCE(tx_id, ''), COALESCE(partner_raw, ''), partner,
	amount::DOUBLE PRECISION, COALESCE(currency_raw, ''), currency, occurred_at, raw,
	COALESCE(user_key, ''), COALESCE(account_key, ''), canonical_key, record_signature,
	embedding_json, created_at`

// PostgresRepository implements Repository using PostgreSQL with pgvector.
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

// SaveRecords inserts records, ignoring ids that already exist. It returns
// the number of new rows.
func (r *PostgresRepository) SaveRecords(ctx context.Context, records []*models.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `
		INSERT INTO records (
			id, tenant_id, upload_id, tx_id, partner_raw, partner, amount,
			currency_raw, currency, occurred_at, raw, user_key, account_key,
			canonical_key, record_signature, embedding, embedding_json
		)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7::NUMERIC, $8, $9, $10, $11,
			NULLIF($12, ''), NULLIF($13, ''), $14, $15, $16::vector, $17)
		ON CONFLICT (id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, rec := range records {
		vec, vecJSON := embeddingArgs(rec.Embedding)
		batch.Queue(query,
			rec.ID, rec.TenantID, rec.UploadID, rec.TxID, rec.PartnerRaw, rec.Partner, rec.Amount,
			rec.CurrencyRaw, rec.Currency, rec.Timestamp, rec.RawJSON(), rec.UserKey, rec.AccountKey,
			rec.CanonicalKey, rec.RecordSignature, vec, vecJSON,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for _, rec := range records {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListUploadRecords returns every record of one upload, oldest first.
func (r *PostgresRepository) ListUploadRecords(ctx context.Context, tenantID, uploadID string) ([]*models.Record, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE tenant_id = $1 AND upload_id = $2
		ORDER BY occurred_at ASC, id ASC
	`
	return r.queryRecords(ctx, query, tenantID, uploadID)
}

// FindHistorical returns the tenant's records outside excludeUploadID that
// share a transaction id or canonical key with the given sets.
func (r *PostgresRepository) FindHistorical(ctx context.Context, tenantID, excludeUploadID string, txIDs, canonicalKeys []string) ([]*models.Record, error) {
	if len(txIDs) == 0 && len(canonicalKeys) == 0 {
		return nil, nil
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE tenant_id = $1
		  AND upload_id <> $2
		  AND (tx_id = ANY($3::TEXT[]) OR canonical_key = ANY($4::TEXT[]))
		ORDER BY occurred_at ASC, id ASC
	`
	if txIDs == nil {
		txIDs = []string{}
	}
	if canonicalKeys == nil {
		canonicalKeys = []string{}
	}
	return r.queryRecords(ctx, query, tenantID, excludeUploadID, txIDs, canonicalKeys)
}

// SaveEmbeddings backfills vectors keyed by record id.
func (r *PostgresRepository) SaveEmbeddings(ctx context.Context, embeddings map[string][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	ids := make([]string, 0, len(embeddings))
	for id, vec := range embeddings {
		literal, data := embeddingArgs(vec)
		if literal == nil {
			continue
		}
		batch.Queue(`UPDATE records SET embedding = $2::vector, embedding_json = $3 WHERE id = $1`, id, literal, data)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for _, id := range ids {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to save embedding for %s: %w", id, err)
		}
	}
	return nil
}

// NearestNeighbors runs a pgvector cosine-distance search. The caller bounds
// the call with its own deadline.
func (r *PostgresRepository) NearestNeighbors(ctx context.Context, q models.VectorQuery) ([]models.Neighbor, error) {
	literal, err := vectorLiteral(q.Embedding)
	if err != nil {
		return nil, err
	}
	if q.K <= 0 {
		return nil, nil
	}

	scope := "tenant_id = $2 AND upload_id <> $3"
	if q.Scope == models.ScopeGlobal {
		scope = "tenant_id <> $2 AND $3::TEXT IS NOT NULL"
	}
	query := fmt.Sprintf(`
		SELECT
			id, tenant_id, upload_id, amount::DOUBLE PRECISION, partner, COALESCE(tx_id, ''),
			(1 - (embedding <=> $1::vector))::DOUBLE PRECISION AS similarity
		FROM records
		WHERE %s
		  AND embedding IS NOT NULL
		  AND vector_dims(embedding) = $4
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $5
	`, scope)

	rows, err := r.pool.Query(ctx, query, literal, q.TenantID, q.ExcludeUploadID, len(q.Embedding), q.K)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest neighbors: %w", err)
	}
	defer rows.Close()

	var out []models.Neighbor
	for rows.Next() {
		var n models.Neighbor
		if err := rows.Scan(&n.RecordID, &n.TenantID, &n.UploadID, &n.Amount, &n.Partner, &n.TxID, &n.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan neighbor: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// RecentCandidates loads the most recent embedded records in scope for
// in-process comparison.
func (r *PostgresRepository) RecentCandidates(ctx context.Context, q models.VectorQuery, limit int) ([]models.SimilarityCandidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	scope := "tenant_id = $1 AND upload_id <> $2"
	if q.Scope == models.ScopeGlobal {
		scope = "tenant_id <> $1 AND $2::TEXT IS NOT NULL"
	}
	query := fmt.Sprintf(`
		SELECT id, tenant_id, upload_id, amount::DOUBLE PRECISION, partner, COALESCE(tx_id, ''), embedding_json
		FROM records
		WHERE %s AND embedding_json IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $3
	`, scope)

	rows, err := r.pool.Query(ctx, query, q.TenantID, q.ExcludeUploadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var out []models.SimilarityCandidate
	for rows.Next() {
		var (
			c   models.SimilarityCandidate
			raw []byte
		)
		if err := rows.Scan(&c.RecordID, &c.TenantID, &c.UploadID, &c.Amount, &c.Partner, &c.TxID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.Embedding = decodeEmbedding(raw)
		if len(c.Embedding) == 0 {
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// CreateThreat writes the threat, its flagged record links and its alert in
// one transaction. ErrThreatExists means the cluster was already emitted for
// this upload.
func (r *PostgresRepository) CreateThreat(ctx context.Context, threat *models.Threat, alert *models.Alert, recordIDs []string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	payload, err := json.Marshal(alert.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode alert payload: %w", err)
	}
	threatContext := threat.Context
	if len(threatContext) == 0 {
		threatContext = json.RawMessage(`{}`)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO threats (
			id, tenant_id, upload_id, anchor_record_id, rule_id, cluster_key,
			confidence, description, context, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, upload_id, rule_id, cluster_key) DO NOTHING
		RETURNING created_at
	`,
		threat.ID, threat.TenantID, threat.UploadID, threat.AnchorRecordID, string(threat.RuleID), threat.ClusterKey,
		threat.Confidence, threat.Description, []byte(threatContext), threat.Status, threat.CreatedAt,
	).Scan(&threat.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrThreatExists
		}
		return fmt.Errorf("failed to create threat: %w", err)
	}

	if len(recordIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO threat_records (threat_id, record_id)
			SELECT $1, unnest($2::TEXT[])
			ON CONFLICT DO NOTHING
		`, threat.ID, recordIDs); err != nil {
			return fmt.Errorf("failed to link threat records: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO alerts (id, tenant_id, threat_id, upload_id, title, summary, severity, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		alert.ID, alert.TenantID, alert.ThreatID, alert.UploadID, alert.Title, alert.Summary,
		alert.Severity, payload, alert.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit threat: %w", err)
	}
	return nil
}

// ActiveSubscriptions returns the tenant's active webhooks. Rows whose event
// column cannot be parsed are skipped.
func (r *PostgresRepository) ActiveSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, url, secret, events, active,
		       last_delivery_at, last_delivery_status, last_delivery_success
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND active
		ORDER BY created_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		var (
			sub    models.WebhookSubscription
			events []string
		)
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &events, &sub.Active,
			&sub.LastDeliveryAt, &sub.LastDeliveryStatus, &sub.LastDeliverySuccess); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		set, err := models.ParseEventSet(events)
		if err != nil {
			continue
		}
		sub.Events = set
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return subs, nil
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

func (r *PostgresRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*models.Record, error) {
	var (
		rec       models.Record
		raw       []byte
		embedding []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.UploadID, &rec.TxID, &rec.PartnerRaw, &rec.Partner,
		&rec.Amount, &rec.CurrencyRaw, &rec.Currency, &rec.Timestamp, &raw,
		&rec.UserKey, &rec.AccountKey, &rec.CanonicalKey, &rec.RecordSignature,
		&embedding, &rec.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.Raw)
	}
	rec.Embedding = decodeEmbedding(embedding)
	return &rec, nil
}
