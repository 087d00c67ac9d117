package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/ledgerwatch/common/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrThreatExists  = errors.New("threat already exists for cluster")
	ErrInvalidVector = errors.New("invalid embedding vector")
)

// Repository defines persistence for the detection service.
type Repository interface {
	// Records
	SaveRecords(ctx context.Context, records []*models.Record) (int, error)
	ListUploadRecords(ctx context.Context, tenantID, uploadID string) ([]*models.Record, error)
	FindHistorical(ctx context.Context, tenantID, excludeUploadID string, txIDs, canonicalKeys []string) ([]*models.Record, error)
	SaveEmbeddings(ctx context.Context, embeddings map[string][]float32) error

	// Similarity
	NearestNeighbors(ctx context.Context, q models.VectorQuery) ([]models.Neighbor, error)
	RecentCandidates(ctx context.Context, q models.VectorQuery, limit int) ([]models.SimilarityCandidate, error)

	// Threats and alerts
	CreateThreat(ctx context.Context, threat *models.Threat, alert *models.Alert, recordIDs []string) error

	// Webhook subscriptions (read-only)
	ActiveSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
