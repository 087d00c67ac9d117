package seeder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// Batch is the fixture file shape: one upload's records.
type Batch struct {
	TenantID string           `json:"tenantId"`
	UploadID string           `json:"uploadId"`
	Records  []*models.Record `json:"records"`
}

// LoadBatch reads a batch from a .json, .yaml or .yml file. Records inherit
// the batch tenant and upload ids when they omit them.
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var batch Batch
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse batch yaml: %w", err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert batch yaml: %w", err)
		}
		fallthrough
	case ".json":
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse batch: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported batch file extension %q", filepath.Ext(path))
	}

	for _, r := range batch.Records {
		if r.TenantID == "" {
			r.TenantID = batch.TenantID
		}
		if r.UploadID == "" {
			r.UploadID = batch.UploadID
		}
	}
	return &batch, nil
}

// WriteBatch writes b to path, choosing the encoding from the extension.
func WriteBatch(path string, b *Batch) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		raw, jerr := json.Marshal(b)
		if jerr != nil {
			return fmt.Errorf("failed to encode batch: %w", jerr)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to encode batch: %w", err)
		}
		data, err = yaml.Marshal(doc)
	default:
		data, err = json.MarshalIndent(b, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
