package detector

import (
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/fingerprint"
)

// Thresholds are the tunable matching limits.
type Thresholds struct {
	DuplicateSimilarity  float64
	SuspiciousSimilarity float64
	AmountToleranceCents int64
	TimeTolerance        time.Duration
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DuplicateSimilarity:  0.85,
		SuspiciousSimilarity: 0.75,
		AmountToleranceCents: 0,
		TimeTolerance:        30 * time.Second,
	}
}

// ThresholdsFrom maps configuration, keeping defaults for unset similarity
// thresholds.
func ThresholdsFrom(cfg config.ThresholdsConfig) Thresholds {
	t := DefaultThresholds()
	if cfg.DuplicateSimilarity > 0 {
		t.DuplicateSimilarity = cfg.DuplicateSimilarity
	}
	if cfg.SuspiciousSimilarity > 0 {
		t.SuspiciousSimilarity = cfg.SuspiciousSimilarity
	}
	if cfg.AmountToleranceCents > 0 {
		t.AmountToleranceCents = cfg.AmountToleranceCents
	}
	if cfg.TimeTolerance > 0 {
		t.TimeTolerance = cfg.TimeTolerance
	}
	return t
}

// StrictDuplicate reports whether b duplicates a: same normalized partner
// and currency, amounts within the cent tolerance, and timestamps on the
// same UTC day or within the time tolerance.
func (t Thresholds) StrictDuplicate(a, b *models.Record) bool {
	if fingerprint.NormalizePartner(a.Partner) != fingerprint.NormalizePartner(b.Partner) {
		return false
	}
	if fingerprint.NormalizeCurrency(a.Currency) != fingerprint.NormalizeCurrency(b.Currency) {
		return false
	}
	diff := fingerprint.Cents(a.Amount) - fingerprint.Cents(b.Amount)
	if diff < 0 {
		diff = -diff
	}
	if diff > t.AmountToleranceCents {
		return false
	}
	return t.closeInTime(a.Timestamp, b.Timestamp)
}

func (t Thresholds) closeInTime(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	if ay == by && am == bm && ad == bd {
		return true
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return gap <= t.TimeTolerance
}
