package models

import (
	"encoding/json"
	"time"
)

// Record is a normalized transaction observation produced by the parsing layer.
// Derived keys are filled by the fingerprint package and are pure functions of
// the normalized fields.
type Record struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenantId"`
	UploadID    string                 `json:"uploadId"`
	TxID        string                 `json:"txId,omitempty"`
	PartnerRaw  string                 `json:"partnerRaw,omitempty"`
	Partner     string                 `json:"partner"`
	Amount      float64                `json:"amount"`
	CurrencyRaw string                 `json:"currencyRaw,omitempty"`
	Currency    string                 `json:"currency"`
	Timestamp   time.Time              `json:"timestamp"`
	Raw         map[string]interface{} `json:"raw,omitempty"`
	Embedding   []float32              `json:"embedding,omitempty"`

	UserKey         string `json:"userKey,omitempty"`
	AccountKey      string `json:"accountKey,omitempty"`
	CanonicalKey    string `json:"canonicalKey,omitempty"`
	RecordSignature string `json:"recordSignature,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// HasEmbedding reports whether the record carries a usable vector.
func (r *Record) HasEmbedding() bool {
	return r != nil && len(r.Embedding) > 0
}

// RawJSON returns the raw payload encoded for storage.
func (r *Record) RawJSON() []byte {
	if len(r.Raw) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(r.Raw)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// SimilarityCandidate is a stored record with its embedding, loaded for
// brute-force comparison.
type SimilarityCandidate struct {
	RecordID  string
	TenantID  string
	UploadID  string
	TxID      string
	Partner   string
	Amount    float64
	Embedding []float32
}
