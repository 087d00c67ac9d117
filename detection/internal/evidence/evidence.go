// Package evidence renders threat descriptions from the structured context
// an emission carries. Output depends only on the context, so the same
// evidence always produces the same text.
package evidence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// Context is the evidence attached to a threat.
type Context struct {
	RuleID         models.RuleID `json:"ruleId"`
	ClusterKey     string        `json:"clusterKey"`
	AnchorRecordID string        `json:"anchorRecordId"`
	RecordIDs      []string      `json:"recordIds"`
	PriorRecordIDs []string      `json:"priorRecordIds,omitempty"`
	PriorUploadIDs []string      `json:"priorUploadIds,omitempty"`
	ClusterSize    int           `json:"clusterSize"`
	TxID           string        `json:"txId,omitempty"`
	Partner        string        `json:"partner"`
	Currency       string        `json:"currency"`
	Amount         float64       `json:"amount"`
	TotalImpact    float64       `json:"totalImpact"`
	WindowStart    time.Time     `json:"windowStart"`
	WindowEnd      time.Time     `json:"windowEnd"`

	Similarity float64          `json:"similarity,omitempty"`
	Threshold  float64          `json:"threshold,omitempty"`
	Scope      string           `json:"scope,omitempty"`
	Neighbor   *models.Neighbor `json:"neighbor,omitempty"`
}

// Count is the number of records flagged by the emission.
func (c Context) Count() int {
	return len(c.RecordIDs)
}

// JSON encodes the context for storage.
func (c Context) JSON() (json.RawMessage, error) {
	return json.Marshal(c)
}

// Title returns the alert title for a rule.
func Title(rule models.RuleID) string {
	switch rule {
	case models.RuleDupInDBTxID:
		return "Transaction ID already processed"
	case models.RuleDupInDBCanonical:
		return "Transaction matches a previous upload"
	case models.RuleDupInBatchTxID:
		return "Repeated transaction ID in upload"
	case models.RuleDupInBatchCanonical:
		return "Duplicate transactions in upload"
	case models.RuleSimilarityMatch:
		return "Transaction similar to existing record"
	}
	return "Suspicious transaction"
}

// Describe renders the description for c.
func Describe(c Context) string {
	money := formatMoney(c.Amount, c.Currency)
	impact := formatMoney(c.TotalImpact, c.Currency)
	window := formatWindow(c.WindowStart, c.WindowEnd)

	switch c.RuleID {
	case models.RuleDupInDBTxID:
		return fmt.Sprintf(
			"Transaction %s to %s for %s was already recorded %s (%s). The new record matches on partner, amount, currency and time %s.",
			quote(c.TxID), partner(c.Partner), money,
			times(len(c.PriorRecordIDs)), joinIDs("prior record", c.PriorRecordIDs), window,
		)
	case models.RuleDupInDBCanonical:
		return fmt.Sprintf(
			"A payment to %s for %s has the same fingerprint as %s from %s (%s), %s.",
			partner(c.Partner), money,
			plural(len(c.PriorRecordIDs), "earlier record", "earlier records"),
			plural(len(c.PriorUploadIDs), "previous upload", "previous uploads"),
			joinIDs("prior record", c.PriorRecordIDs), window,
		)
	case models.RuleDupInBatchTxID:
		return fmt.Sprintf(
			"Transaction %s appears %d times in this upload. %s record %s (%s, %s) %s; total impact %s.",
			quote(c.TxID), c.ClusterSize, plural(c.Count(), "later record duplicates", "later records duplicate"),
			c.AnchorRecordID, partner(c.Partner), money, window, impact,
		)
	case models.RuleDupInBatchCanonical:
		return fmt.Sprintf(
			"%s in this upload share a fingerprint with record %s: %s for %s, %s; total impact %s.",
			plural(c.Count(), "record", "records"), c.AnchorRecordID, partner(c.Partner), money, window, impact,
		)
	case models.RuleSimilarityMatch:
		scope := "an earlier upload from this company"
		if c.Scope == models.ScopeGlobal.String() {
			scope = "another company's records"
		}
		neighbor := "an existing record"
		if c.Neighbor != nil {
			neighbor = fmt.Sprintf("record %s (%s, %s)", c.Neighbor.RecordID, partner(c.Neighbor.Partner), formatMoney(c.Neighbor.Amount, c.Currency))
		}
		return fmt.Sprintf(
			"The payment to %s for %s is %s%% similar to %s in %s, above the %s%% threshold.",
			partner(c.Partner), money, percent(c.Similarity), neighbor, scope, percent(c.Threshold),
		)
	}
	return fmt.Sprintf("%s flagged for %s.", plural(c.Count(), "record", "records"), partner(c.Partner))
}

// Summary is the one-line alert summary.
func Summary(c Context) string {
	return fmt.Sprintf("%s, %s at stake", plural(c.Count(), "record flagged", "records flagged"), formatMoney(c.TotalImpact, c.Currency))
}

func formatMoney(amount float64, currency string) string {
	s := decimal.NewFromFloat(amount).StringFixed(2)
	if currency == "" {
		return s
	}
	return s + " " + currency
}

func formatWindow(start, end time.Time) string {
	if start.IsZero() {
		return "at an unknown time"
	}
	if end.IsZero() || end.Equal(start) {
		return "at " + start.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("between %s and %s", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
}

func percent(f float64) string {
	return decimal.NewFromFloat(f * 100).StringFixed(1)
}

func partner(p string) string {
	if p == "" {
		return "an unknown partner"
	}
	return p
}

func quote(s string) string {
	if s == "" {
		return "(no id)"
	}
	return `"` + s + `"`
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

func times(n int) string {
	if n == 1 {
		return "once"
	}
	return fmt.Sprintf("%d times", n)
}

func joinIDs(label string, ids []string) string {
	switch len(ids) {
	case 0:
		return "no " + label + "s"
	case 1:
		return label + " " + ids[0]
	}
	const shown = 5
	if len(ids) > shown {
		return fmt.Sprintf("%ss %s and %d more", label, strings.Join(ids[:shown], ", "), len(ids)-shown)
	}
	return label + "s " + strings.Join(ids, ", ")
}
