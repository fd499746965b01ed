package abtest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const activeVariantsSQL = `
SELECT v.id, v.campaign_id, v.name, v.traffic_percentage, v.is_control, v.is_active,
v.subject, v.body, v.html_body, v.sent_count, v.created_at, v.updated_at,
a.total_sent, a.total_delivered, a.total_failed, a.total_clicks, a.total_conversions,
a.delivery_rate, a.click_rate, a.conversion_rate
FROM campaign_variants v
LEFT JOIN variant_analytics a ON a.variant_id = v.id
WHERE v.campaign_id = $1 AND v.is_active AND NOT v.is_deleted
ORDER BY v.id
`

const variantMessageCountsSQL = `
SELECT
count(*) FILTER (WHERE status IN ('sent','delivered')),
count(*) FILTER (WHERE status = 'delivered'),
count(*) FILTER (WHERE status = 'failed')
FROM messages
WHERE variant_id = $1
`

const updateAnalyticsSQL = `
UPDATE variant_analytics SET
total_sent = $2,
total_delivered = $3,
total_failed = $4,
delivery_rate = $5,
click_rate = $6,
conversion_rate = $7,
updated_at = $8
WHERE variant_id = $1
`

// PostgresStore backs VariantStore with the campaign_variants and
// variant_analytics tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ActiveVariants(ctx context.Context, campaignID string) ([]Variant, error) {
	rows, err := s.pool.Query(ctx, activeVariantsSQL, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	var out []Variant
	for rows.Next() {
		var v Variant
		var totalSent, totalDelivered, totalFailed, totalClicks, totalConversions *int
		var deliveryRate, clickRate, conversionRate *float64
		if err := rows.Scan(
			&v.ID, &v.CampaignID, &v.Name, &v.TrafficPercentage, &v.IsControl, &v.IsActive,
			&v.Subject, &v.Body, &v.HTMLBody, &v.SentCount, &v.CreatedAt, &v.UpdatedAt,
			&totalSent, &totalDelivered, &totalFailed, &totalClicks, &totalConversions,
			&deliveryRate, &clickRate, &conversionRate,
		); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if totalSent != nil {
			v.Analytics = &Analytics{
				VariantID:        v.ID,
				TotalSent:        *totalSent,
				TotalDelivered:   *totalDelivered,
				TotalFailed:      *totalFailed,
				TotalClicks:      *totalClicks,
				TotalConversions: *totalConversions,
				DeliveryRate:     *deliveryRate,
				ClickRate:        *clickRate,
				ConversionRate:   *conversionRate,
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) VariantMessageCounts(ctx context.Context, variantID string) (int, int, int, error) {
	var sent, delivered, failed int
	err := s.pool.QueryRow(ctx, variantMessageCountsSQL, variantID).Scan(&sent, &delivered, &failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, 0, nil
		}
		return 0, 0, 0, fmt.Errorf("count variant messages: %w", err)
	}
	return sent, delivered, failed, nil
}

func (s *PostgresStore) UpdateAnalytics(ctx context.Context, analytics *Analytics) error {
	_, err := s.pool.Exec(ctx, updateAnalyticsSQL,
		analytics.VariantID, analytics.TotalSent, analytics.TotalDelivered, analytics.TotalFailed,
		analytics.DeliveryRate, analytics.ClickRate, analytics.ConversionRate, analytics.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update variant analytics: %w", err)
	}
	return nil
}
