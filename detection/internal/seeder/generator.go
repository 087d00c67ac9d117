// Package seeder generates synthetic transaction batches with planted
// duplicates, and reads and writes batch fixture files.
package seeder

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// Options controls batch generation.
type Options struct {
	Count               int           `yaml:"count"`
	TimeSpread          time.Duration `yaml:"time_spread"`
	TxIDDuplicates      int           `yaml:"txid_duplicates"`
	CanonicalDuplicates int           `yaml:"canonical_duplicates"`
	Currencies          []string      `yaml:"currencies"`
	Seed                int64         `yaml:"seed"`
}

// DefaultOptions returns a small batch with a few planted duplicates.
func DefaultOptions() Options {
	return Options{
		Count:               50,
		TimeSpread:          24 * time.Hour,
		TxIDDuplicates:      2,
		CanonicalDuplicates: 2,
		Currencies:          []string{"USD", "EUR", "GBP"},
	}
}

// Generator builds records from a seeded faker so runs are reproducible.
type Generator struct {
	opts  Options
	faker *gofakeit.Faker
	rng   *rand.Rand
	now   func() time.Time
}

// NewGenerator creates a generator. A zero seed uses the clock.
func NewGenerator(opts Options) *Generator {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if len(opts.Currencies) == 0 {
		opts.Currencies = DefaultOptions().Currencies
	}
	return &Generator{
		opts:  opts,
		faker: gofakeit.New(seed),
		rng:   rand.New(rand.NewSource(seed)),
		now:   time.Now,
	}
}

// Record returns one unrelated transaction.
func (g *Generator) Record(tenantID, uploadID string, ts time.Time) *models.Record {
	partner := g.faker.Company()
	currency := g.opts.Currencies[g.rng.Intn(len(g.opts.Currencies))]
	return &models.Record{
		ID:          g.faker.UUID(),
		TenantID:    tenantID,
		UploadID:    uploadID,
		TxID:        fmt.Sprintf("TX-%s", g.faker.LetterN(10)),
		PartnerRaw:  partner,
		Partner:     partner,
		Amount:      g.faker.Price(5, 5000),
		CurrencyRaw: currency,
		Currency:    currency,
		Timestamp:   ts.UTC().Truncate(time.Second),
		Raw: map[string]interface{}{
			"email":          g.faker.Email(),
			"account_number": g.faker.AchAccount(),
			"memo":           g.faker.Sentence(6),
		},
	}
}

// Batch generates Count unrelated records followed by the planted duplicates.
// Timestamps are spread backwards from now with jitter.
func (g *Generator) Batch(tenantID, uploadID string) []*models.Record {
	count := g.opts.Count
	if count < 1 {
		count = 1
	}
	records := make([]*models.Record, 0, count+g.opts.TxIDDuplicates+g.opts.CanonicalDuplicates)
	for i := 0; i < count; i++ {
		records = append(records, g.Record(tenantID, uploadID, g.timestamp(i, count)))
	}

	for i := 0; i < g.opts.TxIDDuplicates; i++ {
		records = append(records, g.repeatTxID(records[g.rng.Intn(count)]))
	}
	for i := 0; i < g.opts.CanonicalDuplicates; i++ {
		records = append(records, g.repeatFingerprint(records[g.rng.Intn(count)]))
	}
	return records
}

// repeatTxID copies src under a new id a few seconds later.
func (g *Generator) repeatTxID(src *models.Record) *models.Record {
	dup := clone(src)
	dup.ID = g.faker.UUID()
	dup.Timestamp = src.Timestamp.Add(time.Duration(1+g.rng.Intn(20)) * time.Second)
	return dup
}

// repeatFingerprint copies src with a fresh transaction id, keeping the
// fields the canonical key is built from.
func (g *Generator) repeatFingerprint(src *models.Record) *models.Record {
	dup := clone(src)
	dup.ID = g.faker.UUID()
	dup.TxID = fmt.Sprintf("TX-%s", g.faker.LetterN(10))
	return dup
}

func (g *Generator) timestamp(index, total int) time.Time {
	now := g.now()
	spread := g.opts.TimeSpread
	if spread <= 0 {
		return now
	}
	base := float64(spread) / float64(total)
	offset := time.Duration(float64(index)*base + (g.rng.Float64()*2-1)*base*0.4)
	if offset < 0 {
		offset = 0
	}
	if offset > spread {
		offset = spread
	}
	return now.Add(-(spread - offset))
}

func clone(src *models.Record) *models.Record {
	dup := *src
	dup.Raw = make(map[string]interface{}, len(src.Raw))
	for k, v := range src.Raw {
		dup.Raw[k] = v
	}
	dup.Embedding = append([]float32(nil), src.Embedding...)
	return &dup
}
