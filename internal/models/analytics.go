package models

import "time"

// AnalyticsDateLayout is the date key format for analytics rows.
const AnalyticsDateLayout = "2006-01-02"

// SequenceAnalytics is the derived rollup for one (sequence, variant, date).
// VariantID is empty for the control group.
type SequenceAnalytics struct {
	SequenceID string `json:"sequence_id"`
	VariantID  string `json:"variant_id,omitempty"`
	Date       string `json:"date"`

	EnrollmentsCreated   int `json:"enrollments_created"`
	EnrollmentsCompleted int `json:"enrollments_completed"`

	MessagesSent      int `json:"messages_sent"`
	MessagesDelivered int `json:"messages_delivered"`
	MessagesOpened    int `json:"messages_opened"`
	MessagesClicked   int `json:"messages_clicked"`
	MessagesBounced   int `json:"messages_bounced"`
	MessagesFailed    int `json:"messages_failed"`

	Unsubscribes int `json:"unsubscribes"`
	Conversions  int `json:"conversions"`

	DeliveryRate   float64 `json:"delivery_rate"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ConversionRate float64 `json:"conversion_rate"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ComputeRates derives the rate fields from the counts. Zero denominators
// yield zero rates.
func (a *SequenceAnalytics) ComputeRates() {
	a.DeliveryRate = ratio(a.MessagesDelivered, a.MessagesSent)
	a.OpenRate = ratio(a.MessagesOpened, a.MessagesDelivered)
	a.ClickRate = ratio(a.MessagesClicked, a.MessagesOpened)
	a.ConversionRate = ratio(a.Conversions, a.EnrollmentsCreated)
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// AnalyticsFilters narrows analytics queries.
type AnalyticsFilters struct {
	TenantID   string
	SequenceID string
	VariantID  *string
	From       string
	To         string
}
