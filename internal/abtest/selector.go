package abtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// VariantStore loads the active, non-deleted variants of a campaign and the
// delivery counts needed to roll up analytics.
type VariantStore interface {
	ActiveVariants(ctx context.Context, campaignID string) ([]Variant, error)
	VariantMessageCounts(ctx context.Context, variantID string) (sent, delivered, failed int, err error)
	UpdateAnalytics(ctx context.Context, analytics *Analytics) error
}

// Comparison reports variant performance against the control.
type Comparison struct {
	Variants         []Variant `json:"variants"`
	Winner           *Variant  `json:"winner,omitempty"`
	Recommendation   string    `json:"recommendation"`
	InsufficientData bool      `json:"insufficient_data"`
}

// Selector assigns campaign recipients to content variants by weighted random
// sampling, and determines winners offline.
type Selector struct {
	Store  VariantStore
	Logger zerolog.Logger

	// Rand returns a uniform value in [0,1). Defaults to the process-wide
	// locked math/rand source; tests inject a deterministic one.
	Rand func() float64
}

// SelectVariant picks a variant for one recipient. It returns nil when the
// campaign has no active variants or the traffic allocation is invalid.
func (s *Selector) SelectVariant(ctx context.Context, campaignID string) (*Variant, error) {
	variants, err := s.Store.ActiveVariants(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	if len(variants) == 0 {
		return nil, nil
	}

	var totalTraffic float64
	for _, v := range variants {
		totalTraffic += v.TrafficPercentage
	}
	if totalTraffic <= 0 || totalTraffic > 100 {
		s.Logger.Warn().
			Str("campaign_id", campaignID).
			Float64("total_traffic", totalTraffic).
			Msg("invalid traffic allocation, refusing selection")
		return nil, nil
	}

	// Stable iteration order so equal draws land on the same variant.
	sort.Slice(variants, func(i, j int) bool { return variants[i].ID < variants[j].ID })

	draw := s.draw() * 100
	var cumulative float64
	for i := range variants {
		cumulative += variants[i].TrafficPercentage
		if draw <= cumulative {
			return &variants[i], nil
		}
	}
	// Floating-point edge: the draw exceeded the cumulative total.
	return &variants[0], nil
}

// ValidateTrafficAllocation checks that active variant weights sum to 100
// within a rounding tolerance.
func (s *Selector) ValidateTrafficAllocation(ctx context.Context, campaignID string) (bool, error) {
	variants, err := s.Store.ActiveVariants(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("load variants: %w", err)
	}
	if len(variants) == 0 {
		return false, nil
	}
	var total float64
	for _, v := range variants {
		total += v.TrafficPercentage
	}
	return total >= 99 && total <= 101, nil
}

// UpdateAnalytics recomputes a variant's delivery counters and rates from its
// messages.
func (s *Selector) UpdateAnalytics(ctx context.Context, variant *Variant) error {
	if variant.Analytics == nil {
		return nil
	}
	sent, delivered, failed, err := s.Store.VariantMessageCounts(ctx, variant.ID)
	if err != nil {
		return fmt.Errorf("count variant messages: %w", err)
	}

	a := variant.Analytics
	a.TotalSent = sent
	a.TotalDelivered = delivered
	a.TotalFailed = failed
	if a.TotalSent > 0 {
		a.DeliveryRate = float64(a.TotalDelivered) / float64(a.TotalSent) * 100
	}
	if a.TotalDelivered > 0 {
		a.ClickRate = float64(a.TotalClicks) / float64(a.TotalDelivered) * 100
		a.ConversionRate = float64(a.TotalConversions) / float64(a.TotalDelivered) * 100
	}
	a.UpdatedAt = time.Now().UTC()
	return s.Store.UpdateAnalytics(ctx, a)
}

// RefreshAnalytics rolls up analytics for every active variant of a campaign
// and returns how many were updated.
func (s *Selector) RefreshAnalytics(ctx context.Context, campaignID string) (int, error) {
	variants, err := s.Store.ActiveVariants(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("load variants: %w", err)
	}
	updated := 0
	for i := range variants {
		if variants[i].Analytics == nil {
			continue
		}
		if err := s.UpdateAnalytics(ctx, &variants[i]); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// Compare ranks variants by click rate (conversion rate breaks ties) and
// measures the top performer against the control. All variants need sends
// before a winner can be called.
func (s *Selector) Compare(ctx context.Context, campaignID string) (*Comparison, error) {
	variants, err := s.Store.ActiveVariants(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}

	cmp := &Comparison{Variants: variants}
	if len(variants) == 0 || !allHaveSends(variants) {
		cmp.InsufficientData = true
		cmp.Recommendation = "Insufficient data to determine winning variant. Campaign needs to run longer."
		return cmp, nil
	}

	ranked := make([]Variant, 0, len(variants))
	for _, v := range variants {
		if v.Analytics != nil && v.Analytics.DeliveryRate > 0 {
			ranked = append(ranked, v)
		}
	}
	if len(ranked) == 0 {
		cmp.InsufficientData = true
		cmp.Recommendation = "Insufficient data to determine winning variant. Campaign needs to run longer."
		return cmp, nil
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Analytics.ClickRate != ranked[j].Analytics.ClickRate {
			return ranked[i].Analytics.ClickRate > ranked[j].Analytics.ClickRate
		}
		return ranked[i].Analytics.ConversionRate > ranked[j].Analytics.ConversionRate
	})

	winner := ranked[0]
	cmp.Winner = &winner

	var control *Variant
	for i := range variants {
		if variants[i].IsControl {
			control = &variants[i]
			break
		}
	}
	if control != nil && control.ID != winner.ID && control.Analytics != nil {
		improvement := winner.Analytics.ClickRate - control.Analytics.ClickRate
		if improvement > 0 {
			cmp.Recommendation = fmt.Sprintf(
				"Variant %q shows %.2f percentage point improvement in click rate over control. Consider selecting as winner.",
				winner.Name, improvement)
		} else {
			cmp.Recommendation = "Control variant is performing best. No significant improvement from test variants."
		}
	}
	return cmp, nil
}

func (s *Selector) draw() float64 {
	if s.Rand != nil {
		return s.Rand()
	}
	return rand.Float64()
}

func allHaveSends(variants []Variant) bool {
	for _, v := range variants {
		if v.SentCount == 0 {
			return false
		}
	}
	return true
}
