// Package detector classifies a batch of records into duplicate clusters.
// Passes run in a fixed order (historical exact match, in-batch exact match,
// similarity) and a record flagged by one pass is excluded from the rest.
package detector

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/evidence"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/fingerprint"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/similarity"
)

// History reads a tenant's records from earlier uploads.
type History interface {
	FindHistorical(ctx context.Context, tenantID, excludeUploadID string, txIDs, canonicalKeys []string) ([]*models.Record, error)
}

// Searcher runs batched similarity lookups.
type Searcher interface {
	NewRequest(tenantID, excludeUploadID string, embedding []float32) similarity.Request
	FindSimilarBatch(ctx context.Context, reqs []similarity.Request) []similarity.Result
}

// Emission is one detected cluster, handed to the emitter.
type Emission struct {
	RuleID     models.RuleID
	ClusterKey string
	Anchor     *models.Record
	Flagged    []*models.Record
	Evidence   evidence.Context
	Confidence float64
	Severity   string
}

// Key identifies the emission within a run.
func (e Emission) Key() string {
	return string(e.RuleID) + "|" + e.ClusterKey
}

// FlaggedValue is the summed amount of the flagged records.
func (e Emission) FlaggedValue() float64 {
	amounts := make([]float64, len(e.Flagged))
	for i, r := range e.Flagged {
		amounts[i] = r.Amount
	}
	return fingerprint.SumAmounts(amounts...)
}

// Report is the outcome of one Detect call.
type Report struct {
	Emissions      []Emission
	Flagged        map[string]models.RuleID
	Skipped        int
	SearchTimeouts int
	Errors         int
}

// Detector runs the rule passes.
type Detector struct {
	history    History
	searcher   Searcher
	thresholds atomic.Pointer[Thresholds]
	logger     *logging.Logger
}

// New creates a detector. searcher may be nil to disable the similarity pass.
func New(history History, searcher Searcher, thresholds Thresholds, logger *logging.Logger) *Detector {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Detector{history: history, searcher: searcher, logger: logger}
	d.SetThresholds(thresholds)
	return d
}

// SetThresholds swaps the thresholds used by subsequent runs.
func (d *Detector) SetThresholds(t Thresholds) {
	d.thresholds.Store(&t)
}

// Thresholds returns the active thresholds.
func (d *Detector) Thresholds() Thresholds {
	return *d.thresholds.Load()
}

// run holds the per-call state.
type run struct {
	tenantID   string
	uploadID   string
	thresholds Thresholds
	records    []*models.Record
	flagged    map[string]models.RuleID
	emitted    map[string]struct{}
	report     *Report
}

func (r *run) isFlagged(rec *models.Record) bool {
	_, ok := r.flagged[rec.ID]
	return ok
}

func (r *run) emit(e Emission) {
	if len(e.Flagged) == 0 {
		return
	}
	if _, dup := r.emitted[e.Key()]; dup {
		return
	}
	r.emitted[e.Key()] = struct{}{}
	for _, rec := range e.Flagged {
		r.flagged[rec.ID] = e.RuleID
	}
	e.Confidence = models.ClampConfidence(e.Confidence)
	r.report.Emissions = append(r.report.Emissions, e)
}

func (r *run) unflagged() []*models.Record {
	out := make([]*models.Record, 0, len(r.records))
	for _, rec := range r.records {
		if !r.isFlagged(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Detect classifies the batch. It never fails for a single bad record or an
// unavailable backend; those are counted in the report.
func (d *Detector) Detect(ctx context.Context, tenantID, uploadID string, records []*models.Record) (*Report, error) {
	if tenantID == "" || uploadID == "" {
		return nil, fmt.Errorf("tenant id and upload id are required")
	}

	report := &Report{Flagged: make(map[string]models.RuleID)}
	r := &run{
		tenantID:   tenantID,
		uploadID:   uploadID,
		thresholds: d.Thresholds(),
		flagged:    report.Flagged,
		emitted:    make(map[string]struct{}),
		report:     report,
	}

	for _, rec := range records {
		if err := fingerprint.Validate(rec); err != nil || rec.TenantID != tenantID {
			report.Skipped++
			continue
		}
		r.records = append(r.records, rec)
	}
	sort.SliceStable(r.records, func(i, j int) bool {
		return r.records[i].Timestamp.Before(r.records[j].Timestamp)
	})

	d.historicalPass(ctx, r)
	d.batchPass(r)
	d.similarityPass(ctx, r)

	return report, nil
}

func (d *Detector) historicalPass(ctx context.Context, r *run) {
	if d.history == nil {
		return
	}
	var txIDs, keys []string
	for _, rec := range r.records {
		if rec.TxID != "" {
			txIDs = append(txIDs, rec.TxID)
		}
		if rec.CanonicalKey != "" {
			keys = append(keys, rec.CanonicalKey)
		}
	}
	if len(txIDs) == 0 && len(keys) == 0 {
		return
	}

	prior, err := d.history.FindHistorical(ctx, r.tenantID, r.uploadID, dedupe(txIDs), dedupe(keys))
	if err != nil {
		r.report.Errors++
		d.logger.ErrorContext(ctx, "historical lookup failed, skipping pass",
			logging.TenantID(r.tenantID), logging.UploadID(r.uploadID), logging.Error(err))
		return
	}

	byTx := make(map[string][]*models.Record)
	byKey := make(map[string][]*models.Record)
	for _, p := range prior {
		if p.UploadID == r.uploadID {
			continue
		}
		if p.TxID != "" {
			byTx[p.TxID] = append(byTx[p.TxID], p)
		}
		byKey[p.CanonicalKey] = append(byKey[p.CanonicalKey], p)
	}

	for _, rec := range r.records {
		if rec.TxID != "" {
			var matches []*models.Record
			for _, p := range byTx[rec.TxID] {
				if r.thresholds.StrictDuplicate(p, rec) {
					matches = append(matches, p)
				}
			}
			if len(matches) > 0 {
				r.emit(historicalEmission(models.RuleDupInDBTxID, rec.TxID+"@"+rec.ID, rec, matches))
				continue
			}
		}
		if matches := byKey[rec.CanonicalKey]; len(matches) > 0 {
			r.emit(historicalEmission(models.RuleDupInDBCanonical, rec.CanonicalKey+"@"+rec.ID, rec, matches))
		}
	}
}

func (d *Detector) batchPass(r *run) {
	for _, group := range groupBy(r.unflagged(), func(rec *models.Record) string { return rec.TxID }) {
		anchor := group[0]
		var flagged []*models.Record
		for _, rec := range group[1:] {
			if r.thresholds.StrictDuplicate(anchor, rec) {
				flagged = append(flagged, rec)
			}
		}
		r.emit(batchEmission(models.RuleDupInBatchTxID, anchor.TxID, anchor, flagged, len(group)))
	}

	for _, group := range groupBy(r.unflagged(), func(rec *models.Record) string { return rec.CanonicalKey }) {
		r.emit(batchEmission(models.RuleDupInBatchCanonical, group[0].CanonicalKey, group[0], group[1:], len(group)))
	}
}

func (d *Detector) similarityPass(ctx context.Context, r *run) {
	if d.searcher == nil {
		return
	}
	var (
		subjects []*models.Record
		reqs     []similarity.Request
	)
	for _, rec := range r.unflagged() {
		if !rec.HasEmbedding() {
			continue
		}
		subjects = append(subjects, rec)
		reqs = append(reqs, d.searcher.NewRequest(r.tenantID, r.uploadID, rec.Embedding))
	}
	if len(reqs) == 0 {
		return
	}

	results := d.searcher.FindSimilarBatch(ctx, reqs)
	for i, res := range results {
		rec := subjects[i]
		switch {
		case res.TimedOut:
			r.report.SearchTimeouts++
			d.logger.WarnContext(ctx, "similarity search timed out, record not evaluated",
				logging.RecordID(rec.ID), logging.UploadID(r.uploadID))
			continue
		case res.Err != nil && res.Empty():
			r.report.Errors++
			d.logger.WarnContext(ctx, "similarity search failed, record not evaluated",
				logging.RecordID(rec.ID), logging.Error(res.Err))
			continue
		}

		if best, ok := res.BestLocal(); ok && best.Similarity >= r.thresholds.DuplicateSimilarity {
			r.emit(similarityEmission(rec, best, models.ScopeLocal, r.thresholds.DuplicateSimilarity))
			continue
		}
		if best, ok := res.BestGlobal(); ok && best.Similarity >= r.thresholds.SuspiciousSimilarity {
			r.emit(similarityEmission(rec, best, models.ScopeGlobal, r.thresholds.SuspiciousSimilarity))
		}
	}
}

// groupBy buckets records by key, dropping empty keys and singleton groups.
// Groups keep input order and are returned in order of first appearance.
func groupBy(records []*models.Record, key func(*models.Record) string) [][]*models.Record {
	index := make(map[string]int)
	var groups [][]*models.Record
	for _, rec := range records {
		k := key(rec)
		if k == "" {
			continue
		}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g) >= 2 {
			out = append(out, g)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
