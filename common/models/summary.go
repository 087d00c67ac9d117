package models

// ClusterSummary describes one emitted cluster in the run summary.
type ClusterSummary struct {
	ThreatID        string  `json:"threatId,omitempty"`
	ClusterKey      string  `json:"clusterKey"`
	RecordsImpacted int     `json:"recordsImpacted"`
	ImpactedValue   float64 `json:"impactedValue"`
}

// RuleBreakdown aggregates emissions for one rule.
type RuleBreakdown struct {
	Clusters           int              `json:"clusters"`
	RecordsImpacted    int              `json:"recordsImpacted"`
	TotalImpactedValue float64          `json:"totalImpactedValue"`
	TopClusters        []ClusterSummary `json:"topClusters"`
}

// Summary is returned by a detection run and carried by upload.complete.
type Summary struct {
	TenantID       string                   `json:"companyId"`
	UploadID       string                   `json:"uploadId"`
	TotalRecords   int                      `json:"totalRecords"`
	SkippedRecords int                      `json:"skippedRecords"`
	Flagged        int                      `json:"flagged"`
	FlaggedValue   float64                  `json:"flaggedValue"`
	Threats        int                      `json:"threats"`
	ByRule         map[RuleID]RuleBreakdown `json:"byRule"`
	SearchTimeouts int                      `json:"searchTimeouts"`
	Errors         int                      `json:"errors"`
}
