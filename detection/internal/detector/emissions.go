package detector

import (
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/evidence"
)

// Fixed confidence and severity per exact-match rule.
var ruleGrades = map[models.RuleID]struct {
	confidence float64
	severity   string
}{
	models.RuleDupInDBTxID:         {0.97, models.SeverityCritical},
	models.RuleDupInDBCanonical:    {0.92, models.SeverityHigh},
	models.RuleDupInBatchTxID:      {0.95, models.SeverityHigh},
	models.RuleDupInBatchCanonical: {0.85, models.SeverityMedium},
}

// globalConfidenceFactor discounts cross-tenant similarity matches.
const globalConfidenceFactor = 0.8

func historicalEmission(rule models.RuleID, clusterKey string, rec *models.Record, prior []*models.Record) Emission {
	priorIDs := make([]string, len(prior))
	uploads := make([]string, 0, len(prior))
	seenUploads := make(map[string]struct{})
	all := []*models.Record{rec}
	for i, p := range prior {
		priorIDs[i] = p.ID
		if _, ok := seenUploads[p.UploadID]; !ok {
			seenUploads[p.UploadID] = struct{}{}
			uploads = append(uploads, p.UploadID)
		}
		all = append(all, p)
	}
	start, end := window(all)

	grade := ruleGrades[rule]
	return Emission{
		RuleID:     rule,
		ClusterKey: clusterKey,
		Anchor:     rec,
		Flagged:    []*models.Record{rec},
		Confidence: grade.confidence,
		Severity:   grade.severity,
		Evidence: evidence.Context{
			RuleID:         rule,
			ClusterKey:     clusterKey,
			AnchorRecordID: rec.ID,
			RecordIDs:      []string{rec.ID},
			PriorRecordIDs: priorIDs,
			PriorUploadIDs: uploads,
			ClusterSize:    len(prior) + 1,
			TxID:           rec.TxID,
			Partner:        rec.Partner,
			Currency:       rec.Currency,
			Amount:         rec.Amount,
			TotalImpact:    rec.Amount,
			WindowStart:    start,
			WindowEnd:      end,
		},
	}
}

func batchEmission(rule models.RuleID, clusterKey string, anchor *models.Record, flagged []*models.Record, clusterSize int) Emission {
	ids := make([]string, len(flagged))
	for i, rec := range flagged {
		ids[i] = rec.ID
	}
	start, end := window(append([]*models.Record{anchor}, flagged...))

	grade := ruleGrades[rule]
	e := Emission{
		RuleID:     rule,
		ClusterKey: clusterKey,
		Anchor:     anchor,
		Flagged:    flagged,
		Confidence: grade.confidence,
		Severity:   grade.severity,
	}
	e.Evidence = evidence.Context{
		RuleID:         rule,
		ClusterKey:     clusterKey,
		AnchorRecordID: anchor.ID,
		RecordIDs:      ids,
		ClusterSize:    clusterSize,
		TxID:           anchor.TxID,
		Partner:        anchor.Partner,
		Currency:       anchor.Currency,
		Amount:         anchor.Amount,
		TotalImpact:    e.FlaggedValue(),
		WindowStart:    start,
		WindowEnd:      end,
	}
	return e
}

func similarityEmission(rec *models.Record, best models.Neighbor, scope models.SearchScope, threshold float64) Emission {
	confidence, severity := best.Similarity, models.SeverityHigh
	if scope == models.ScopeGlobal {
		confidence, severity = best.Similarity*globalConfidenceFactor, models.SeverityMedium
	}
	neighbor := best
	clusterKey := scope.String() + ":" + rec.ID + "~" + best.RecordID

	return Emission{
		RuleID:     models.RuleSimilarityMatch,
		ClusterKey: clusterKey,
		Anchor:     rec,
		Flagged:    []*models.Record{rec},
		Confidence: confidence,
		Severity:   severity,
		Evidence: evidence.Context{
			RuleID:         models.RuleSimilarityMatch,
			ClusterKey:     clusterKey,
			AnchorRecordID: rec.ID,
			RecordIDs:      []string{rec.ID},
			PriorRecordIDs: []string{best.RecordID},
			PriorUploadIDs: []string{best.UploadID},
			ClusterSize:    2,
			TxID:           rec.TxID,
			Partner:        rec.Partner,
			Currency:       rec.Currency,
			Amount:         rec.Amount,
			TotalImpact:    rec.Amount,
			WindowStart:    rec.Timestamp,
			WindowEnd:      rec.Timestamp,
			Similarity:     best.Similarity,
			Threshold:      threshold,
			Scope:          scope.String(),
			Neighbor:       &neighbor,
		},
	}
}

func window(records []*models.Record) (time.Time, time.Time) {
	var start, end time.Time
	for _, r := range records {
		ts := r.Timestamp.UTC()
		if start.IsZero() || ts.Before(start) {
			start = ts
		}
		if end.IsZero() || ts.After(end) {
			end = ts
		}
	}
	return start, end
}
