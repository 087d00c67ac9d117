package similarity

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// OpenSearchIndex is an Index backed by the OpenSearch k-NN plugin. Vectors
// use the lucene engine with cosine space, whose score is (1 + cos) / 2.
type OpenSearchIndex struct {
	client *opensearch.Client
	index  string

	mu    sync.Mutex
	ready bool
}

// NewOpenSearchIndex connects to OpenSearch and verifies the cluster answers.
func NewOpenSearchIndex(cfg config.OpenSearchConfig, index string) (*OpenSearchIndex, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	return &OpenSearchIndex{client: client, index: index}, nil
}

// NewOpenSearchIndexWithClient wraps an existing client.
func NewOpenSearchIndexWithClient(client *opensearch.Client, index string) *OpenSearchIndex {
	return &OpenSearchIndex{client: client, index: index}
}

// EnsureIndex creates the k-NN index for vectors of the given dimension when
// it does not exist yet.
func (o *OpenSearchIndex) EnsureIndex(ctx context.Context, dims int) error {
	exists, err := o.client.Indices.Exists([]string{o.index}, o.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(indexMapping(dims))
	if err != nil {
		return fmt.Errorf("failed to marshal index mapping: %w", err)
	}
	res, err := o.client.Indices.Create(o.index,
		o.client.Indices.Create.WithContext(ctx),
		o.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		if strings.Contains(string(msg), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("opensearch error: %s - %s", res.Status(), string(msg))
	}
	return nil
}

// ensure creates the index once per process, on first write.
func (o *OpenSearchIndex) ensure(ctx context.Context, dims int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return nil
	}
	if err := o.EnsureIndex(ctx, dims); err != nil {
		return err
	}
	o.ready = true
	return nil
}

// IndexRecords bulk-indexes the embedded records. Records without a vector
// are skipped.
func (o *OpenSearchIndex) IndexRecords(ctx context.Context, records []*models.Record) error {
	var buf bytes.Buffer
	count, dims := 0, 0
	for _, r := range records {
		if !r.HasEmbedding() {
			continue
		}
		dims = len(r.Embedding)
		meta := map[string]interface{}{"index": map[string]string{"_index": o.index, "_id": r.ID}}
		doc := vectorDocument{
			TenantID:  r.TenantID,
			UploadID:  r.UploadID,
			TxID:      r.TxID,
			Partner:   r.Partner,
			Amount:    r.Amount,
			Embedding: r.Embedding,
		}
		for _, line := range []interface{}{meta, doc} {
			data, err := json.Marshal(line)
			if err != nil {
				return fmt.Errorf("failed to marshal bulk line: %w", err)
			}
			buf.Write(data)
			buf.WriteByte('\n')
		}
		count++
	}
	if count == 0 {
		return nil
	}
	if err := o.ensure(ctx, dims); err != nil {
		return err
	}

	res, err := o.client.Bulk(bytes.NewReader(buf.Bytes()),
		o.client.Bulk.WithContext(ctx),
		o.client.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("failed to bulk index vectors: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("opensearch error: %s - %s", res.Status(), string(msg))
	}

	var bulk struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID    string          `json:"_id"`
			Error json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulk); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if bulk.Errors {
		for _, item := range bulk.Items {
			for _, op := range item {
				if len(op.Error) > 0 {
					return fmt.Errorf("failed to index vector %s: %s", op.ID, string(op.Error))
				}
			}
		}
	}
	return nil
}

// NearestNeighbors runs a filtered k-NN query for one scope.
func (o *OpenSearchIndex) NearestNeighbors(ctx context.Context, q models.VectorQuery) ([]models.Neighbor, error) {
	if len(q.Embedding) == 0 || q.K <= 0 {
		return nil, nil
	}
	body, err := json.Marshal(knnQuery(q))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal knn query: %w", err)
	}

	res, err := o.client.Search(
		o.client.Search.WithContext(ctx),
		o.client.Search.WithIndex(o.index),
		o.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("opensearch error: %s - %s", res.Status(), string(msg))
	}
	return decodeHits(res.Body)
}

type vectorDocument struct {
	TenantID  string    `json:"tenant_id"`
	UploadID  string    `json:"upload_id"`
	TxID      string    `json:"tx_id,omitempty"`
	Partner   string    `json:"partner"`
	Amount    float64   `json:"amount"`
	Embedding []float32 `json:"embedding"`
}

func indexMapping(dims int) map[string]interface{} {
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"index": map[string]interface{}{"knn": true},
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"tenant_id": map[string]string{"type": "keyword"},
				"upload_id": map[string]string{"type": "keyword"},
				"tx_id":     map[string]string{"type": "keyword"},
				"partner":   map[string]string{"type": "keyword"},
				"amount":    map[string]string{"type": "double"},
				"embedding": map[string]interface{}{
					"type":      "knn_vector",
					"dimension": dims,
					"method": map[string]interface{}{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "lucene",
					},
				},
			},
		},
	}
}

func knnQuery(q models.VectorQuery) map[string]interface{} {
	var filter map[string]interface{}
	tenant := map[string]interface{}{"term": map[string]string{"tenant_id": q.TenantID}}
	if q.Scope == models.ScopeGlobal {
		filter = map[string]interface{}{
			"bool": map[string]interface{}{"must_not": []interface{}{tenant}},
		}
	} else {
		filter = map[string]interface{}{
			"bool": map[string]interface{}{
				"must":     []interface{}{tenant},
				"must_not": []interface{}{map[string]interface{}{"term": map[string]string{"upload_id": q.ExcludeUploadID}}},
			},
		}
	}

	return map[string]interface{}{
		"size":    q.K,
		"_source": []string{"tenant_id", "upload_id", "tx_id", "partner", "amount"},
		"query": map[string]interface{}{
			"knn": map[string]interface{}{
				"embedding": map[string]interface{}{
					"vector": q.Embedding,
					"k":      q.K,
					"filter": filter,
				},
			},
		},
	}
}

func decodeHits(r io.Reader) ([]models.Neighbor, error) {
	var result struct {
		Hits struct {
			Hits []struct {
				ID     string         `json:"_id"`
				Score  float64        `json:"_score"`
				Source vectorDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	out := make([]models.Neighbor, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		out = append(out, models.Neighbor{
			RecordID:   hit.ID,
			Similarity: 2*hit.Score - 1,
			TenantID:   hit.Source.TenantID,
			UploadID:   hit.Source.UploadID,
			Amount:     hit.Source.Amount,
			Partner:    hit.Source.Partner,
			TxID:       hit.Source.TxID,
		})
	}
	return out, nil
}
