package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/fingerprint"
)

// Store persists backfilled vectors.
type Store interface {
	SaveEmbeddings(ctx context.Context, embeddings map[string][]float32) error
}

// Indexer mirrors embedded records into an external vector index.
type Indexer interface {
	IndexRecords(ctx context.Context, records []*models.Record) error
}

// Text is the string embedded for a record. It uses normalized fields only
// so re-uploads of the same transaction embed identically.
func Text(r *models.Record) string {
	parts := []string{
		fingerprint.NormalizePartner(r.Partner),
		decimal.New(fingerprint.Cents(r.Amount), -2).StringFixed(2),
		fingerprint.NormalizeCurrency(r.Currency),
		r.Timestamp.UTC().Format("2006-01-02"),
	}
	if r.TxID != "" {
		parts = append(parts, "tx "+r.TxID)
	}
	if r.AccountKey != "" {
		parts = append(parts, "account "+r.AccountKey)
	}
	return strings.Join(parts, " | ")
}

// Backfiller embeds records that arrive without a vector.
type Backfiller struct {
	embedder  Embedder
	store     Store
	indexer   Indexer
	batchSize int
	logger    *logging.Logger
}

// NewBackfiller creates a Backfiller. indexer may be nil.
func NewBackfiller(embedder Embedder, store Store, indexer Indexer, batchSize int, logger *logging.Logger) *Backfiller {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Backfiller{embedder: embedder, store: store, indexer: indexer, batchSize: batchSize, logger: logger}
}

// Result counts a backfill.
type Result struct {
	Embedded int
	Failed   int
	Indexed  int
}

// Backfill embeds every record lacking a vector, sets Record.Embedding in
// place and saves the vectors. A failed batch is logged and skipped; those
// records simply sit out the similarity pass.
func (b *Backfiller) Backfill(ctx context.Context, records []*models.Record) Result {
	var res Result
	var pending []*models.Record
	for _, r := range records {
		if r != nil && !r.HasEmbedding() {
			pending = append(pending, r)
		}
	}

	for start := 0; start < len(pending); start += b.batchSize {
		chunk := pending[start:min(start+b.batchSize, len(pending))]
		if err := b.embedChunk(ctx, chunk); err != nil {
			res.Failed += len(chunk)
			b.logger.WarnContext(ctx, "embedding batch failed, records skip similarity",
				"records", len(chunk), logging.Error(err))
			continue
		}
		res.Embedded += len(chunk)
	}

	if b.indexer != nil {
		var embedded []*models.Record
		for _, r := range records {
			if r.HasEmbedding() {
				embedded = append(embedded, r)
			}
		}
		if len(embedded) > 0 {
			if err := b.indexer.IndexRecords(ctx, embedded); err != nil {
				b.logger.WarnContext(ctx, "failed to index embeddings", logging.Error(err))
			} else {
				res.Indexed = len(embedded)
			}
		}
	}
	return res
}

func (b *Backfiller) embedChunk(ctx context.Context, chunk []*models.Record) error {
	texts := make([]string, len(chunk))
	for i, r := range chunk {
		texts[i] = Text(r)
	}
	vecs, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(vecs) != len(chunk) {
		return fmt.Errorf("expected %d embeddings, got %d", len(chunk), len(vecs))
	}

	saved := make(map[string][]float32, len(chunk))
	for i, r := range chunk {
		if len(vecs[i]) > 0 {
			saved[r.ID] = vecs[i]
		}
	}
	if err := b.store.SaveEmbeddings(ctx, saved); err != nil {
		return fmt.Errorf("save embeddings: %w", err)
	}
	for i, r := range chunk {
		r.Embedding = vecs[i]
	}
	return nil
}
