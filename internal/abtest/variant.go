package abtest

import "time"

// Variant is one content arm of an A/B-tested campaign.
type Variant struct {
	ID                string    `json:"id"`
	CampaignID        string    `json:"campaign_id"`
	Name              string    `json:"name"`
	TrafficPercentage float64   `json:"traffic_percentage"`
	IsControl         bool      `json:"is_control"`
	IsActive          bool      `json:"is_active"`
	Subject           string    `json:"subject,omitempty"`
	Body              string    `json:"body,omitempty"`
	HTMLBody          string    `json:"html_body,omitempty"`
	SentCount         int       `json:"sent_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	Analytics *Analytics `json:"analytics,omitempty"`
}

// Analytics is the rolled-up performance of one variant.
type Analytics struct {
	VariantID        string    `json:"variant_id"`
	TotalSent        int       `json:"total_sent"`
	TotalDelivered   int       `json:"total_delivered"`
	TotalFailed      int       `json:"total_failed"`
	TotalClicks      int       `json:"total_clicks"`
	TotalConversions int       `json:"total_conversions"`
	DeliveryRate     float64   `json:"delivery_rate"`
	ClickRate        float64   `json:"click_rate"`
	ConversionRate   float64   `json:"conversion_rate"`
	UpdatedAt        time.Time `json:"updated_at"`
}
