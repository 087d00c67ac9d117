package emitter

import (
	"sort"

	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/detector"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/fingerprint"
)

// TopClusterLimit caps the clusters listed per rule in a summary.
const TopClusterLimit = 5

// BuildSummary aggregates a detection report. threatIDs maps emission keys to
// persisted threat ids and may be nil.
func BuildSummary(tenantID, uploadID string, totalRecords int, report *detector.Report, threatIDs map[string]string) *models.Summary {
	s := &models.Summary{
		TenantID:     tenantID,
		UploadID:     uploadID,
		TotalRecords: totalRecords,
		ByRule:       make(map[models.RuleID]models.RuleBreakdown, len(models.RuleOrder)),
	}
	for _, rule := range models.RuleOrder {
		s.ByRule[rule] = models.RuleBreakdown{TopClusters: []models.ClusterSummary{}}
	}
	if report == nil {
		return s
	}

	s.SkippedRecords = report.Skipped
	s.Flagged = len(report.Flagged)
	s.SearchTimeouts = report.SearchTimeouts
	s.Errors = report.Errors
	s.Threats = len(report.Emissions)

	clusters := make(map[models.RuleID][]models.ClusterSummary)
	values := make([]float64, 0, len(report.Emissions))
	for _, em := range report.Emissions {
		value := em.FlaggedValue()
		values = append(values, value)

		b := s.ByRule[em.RuleID]
		b.Clusters++
		b.RecordsImpacted += len(em.Flagged)
		b.TotalImpactedValue = fingerprint.SumAmounts(b.TotalImpactedValue, value)
		s.ByRule[em.RuleID] = b

		clusters[em.RuleID] = append(clusters[em.RuleID], models.ClusterSummary{
			ThreatID:        threatIDs[em.Key()],
			ClusterKey:      em.ClusterKey,
			RecordsImpacted: len(em.Flagged),
			ImpactedValue:   value,
		})
	}
	s.FlaggedValue = fingerprint.SumAmounts(values...)

	for rule, list := range clusters {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].ImpactedValue != list[j].ImpactedValue {
				return list[i].ImpactedValue > list[j].ImpactedValue
			}
			return list[i].ClusterKey < list[j].ClusterKey
		})
		if len(list) > TopClusterLimit {
			list = list[:TopClusterLimit]
		}
		b := s.ByRule[rule]
		b.TopClusters = list
		s.ByRule[rule] = b
	}
	return s
}
