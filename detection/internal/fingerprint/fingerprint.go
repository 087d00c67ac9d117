// Package fingerprint derives the deterministic keys attached to a record:
// the canonical key, the record signature, and the user/account hints they
// are built from. Every function here is pure, so re-deriving a record is
// idempotent.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// DefaultBucket is the canonical time bucket width.
const DefaultBucket = time.Hour

var (
	userKeyHints    = []string{"user_id", "customer_id", "email"}
	accountKeyHints = []string{"account_number", "card_number", "iban"}
)

// Cents converts an amount to integer cents, rounding half away from zero.
func Cents(amount float64) int64 {
	return decimal.NewFromFloat(amount).Round(2).Shift(2).IntPart()
}

// FromCents converts integer cents back to a float amount.
func FromCents(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}

// SumAmounts adds amounts in decimal space so the total carries no float drift.
func SumAmounts(amounts ...float64) float64 {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(decimal.NewFromFloat(a).Round(2))
	}
	return total.InexactFloat64()
}

// NormalizePartner lowercases the name, drops punctuation and collapses
// whitespace.
func NormalizePartner(raw string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// NormalizeCurrency uppercases and trims a currency code.
func NormalizeCurrency(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// MaskAccount keeps the last four alphanumerics of an account identifier.
func MaskAccount(raw string) string {
	var kept []rune
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			kept = append(kept, unicode.ToUpper(r))
		}
	}
	if len(kept) == 0 {
		return ""
	}
	if len(kept) > 4 {
		kept = kept[len(kept)-4:]
	}
	return "****" + string(kept)
}

// AccountKey returns the masked account from the first populated hint.
func AccountKey(raw map[string]interface{}) string {
	for _, key := range accountKeyHints {
		if v := stringValue(raw[key]); v != "" {
			return MaskAccount(v)
		}
	}
	return ""
}

// UserKey returns the first populated identity hint, falling back to the
// account key.
func UserKey(raw map[string]interface{}, accountKey string) string {
	for _, key := range userKeyHints {
		if v := stringValue(raw[key]); v != "" {
			return strings.ToLower(v)
		}
	}
	return accountKey
}

// BucketStart truncates t (in UTC) to the bucket width.
func BucketStart(t time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	return t.UTC().Truncate(bucket)
}

// CanonicalKey hashes tenant, user, partner, amount, currency and time bucket.
func CanonicalKey(tenantID, userKey, partner string, cents int64, currency string, bucketStart time.Time) string {
	return digest(tenantID, userKey, partner, strconv.FormatInt(cents, 10), currency, strconv.FormatInt(bucketStart.Unix(), 10))
}

// Signature hashes transaction id, amount, partner, currency and the
// timestamp rounded to the minute.
func Signature(txID string, cents int64, partner, currency string, ts time.Time) string {
	return digest(txID, strconv.FormatInt(cents, 10), partner, currency, strconv.FormatInt(ts.UTC().Truncate(time.Minute).Unix(), 10))
}

// Derive fills the normalized and derived fields of r in place.
func Derive(r *models.Record, bucket time.Duration) {
	if r.Partner == "" {
		r.Partner = r.PartnerRaw
	}
	r.Partner = NormalizePartner(r.Partner)
	if r.Currency == "" {
		r.Currency = r.CurrencyRaw
	}
	r.Currency = NormalizeCurrency(r.Currency)
	r.TxID = strings.TrimSpace(r.TxID)

	if r.AccountKey == "" {
		r.AccountKey = AccountKey(r.Raw)
	}
	if r.UserKey == "" {
		r.UserKey = UserKey(r.Raw, r.AccountKey)
	}

	cents := Cents(r.Amount)
	r.CanonicalKey = CanonicalKey(r.TenantID, r.UserKey, r.Partner, cents, r.Currency, BucketStart(r.Timestamp, bucket))
	r.RecordSignature = Signature(r.TxID, cents, r.Partner, r.Currency, r.Timestamp)
}

// Validate reports the first missing field that detection depends on.
func Validate(r *models.Record) error {
	switch {
	case r == nil:
		return fmt.Errorf("record is nil")
	case r.ID == "":
		return fmt.Errorf("record id is required")
	case r.TenantID == "":
		return fmt.Errorf("record %s: tenant id is required", r.ID)
	case r.Partner == "" && r.PartnerRaw == "":
		return fmt.Errorf("record %s: partner is required", r.ID)
	case r.Timestamp.IsZero():
		return fmt.Errorf("record %s: timestamp is required", r.ID)
	}
	return nil
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
