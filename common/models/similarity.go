package models

// SearchScope selects which slice of history a similarity query covers.
type SearchScope int

const (
	// ScopeLocal is the same tenant, excluding the current upload.
	ScopeLocal SearchScope = iota
	// ScopeGlobal is every other tenant.
	ScopeGlobal
)

func (s SearchScope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "local"
}

// VectorQuery is one nearest-neighbor lookup.
type VectorQuery struct {
	TenantID        string
	ExcludeUploadID string
	Scope           SearchScope
	Embedding       []float32
	K               int
}

// Neighbor is a similarity search hit. Similarity is cosine similarity.
type Neighbor struct {
	RecordID   string  `json:"recordId"`
	Similarity float64 `json:"similarity"`
	TenantID   string  `json:"tenantId"`
	UploadID   string  `json:"uploadId"`
	Amount     float64 `json:"amount"`
	Partner    string  `json:"partner"`
	TxID       string  `json:"txId,omitempty"`
}
