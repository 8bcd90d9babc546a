package settings

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema/billing.json
var billingSchema []byte

type Plan struct {
	Name      string  `json:"name"`
	Profile   string  `json:"profile"`
	Price     float64 `json:"price"`
	RateLimit string  `json:"rate_limit,omitempty"`
}

type BillingSettings struct {
	Currency        string  `json:"currency"`
	TaxRatePercent  float64 `json:"tax_rate_percent"`
	InvoiceDay      int     `json:"invoice_day"`
	GracePeriodDays int     `json:"grace_period_days"`
	LateFee         float64 `json:"late_fee"`
	SuspendProfile  string  `json:"suspend_profile,omitempty"`
	Plans           []Plan  `json:"plans"`
}

func DefaultBilling() BillingSettings {
	return BillingSettings{Currency: "USD", InvoiceDay: 1, GracePeriodDays: 7, Plans: []Plan{}}
}

func checkBilling(b BillingSettings) error {
	seen := map[string]bool{}
	for _, p := range b.Plans {
		if seen[p.Name] {
			return fmt.Errorf("plans: duplicate plan name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

type BillingStore struct {
	doc *Document[BillingSettings]
}

func OpenBilling(path string) (*BillingStore, error) {
	doc, err := Open(path, billingSchema, DefaultBilling(), checkBilling)
	if err != nil {
		return nil, err
	}
	return &BillingStore{doc: doc}, nil
}

func (s *BillingStore) Get() BillingSettings { return s.doc.Get() }

func (s *BillingStore) Path() string { return s.doc.Path() }

func (s *BillingStore) Put(ctx context.Context, raw []byte) (BillingSettings, error) {
	return s.doc.Replace(ctx, raw, func(_ BillingSettings, next *BillingSettings) {
		if next.Plans == nil {
			next.Plans = []Plan{}
		}
	})
}
