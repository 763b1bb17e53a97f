package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/avela/mailflow/internal/database"
)

// TimeRange selects the dashboard window.
type TimeRange string

const (
	RangeDaily TimeRange = "daily"
	RangeWeek  TimeRange = "week"
	RangeMonth TimeRange = "month"
	RangeYear  TimeRange = "year"
)

// EmailMetricsStore aggregates persisted email records over a window.
type EmailMetricsStore interface {
	GetEmailStats(ctx context.Context, userID string, from, to time.Time) (*database.EmailStats, error)
}

// Period is one aggregation window, [From, To).
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Metric is a count with its period-over-period change.
type Metric struct {
	Current       int64 `json:"current"`
	Previous      int64 `json:"previous"`
	ChangePercent int   `json:"change_percent"`
}

// ResponseTimeMetric is the averaged response time with its change. A
// decrease is an improvement, so the delta sign is inverted for this metric.
type ResponseTimeMetric struct {
	Current       string  `json:"current"`
	Previous      string  `json:"previous"`
	CurrentMs     float64 `json:"current_ms"`
	PreviousMs    float64 `json:"previous_ms"`
	ChangePercent int     `json:"change_percent"`
}

// DashboardStats is the dashboard payload for one user and time range.
type DashboardStats struct {
	TimeRange         TimeRange          `json:"time_range"`
	CurrentPeriod     Period             `json:"current_period"`
	PreviousPeriod    Period             `json:"previous_period"`
	EmailsProcessed   Metric             `json:"emails_processed"`
	AutoResponsesSent Metric             `json:"auto_responses_sent"`
	DraftsCreated     Metric             `json:"drafts_created"`
	AvgResponseTime   ResponseTimeMetric `json:"avg_response_time"`
}

// Aggregator computes time-windowed dashboard statistics from persisted
// records, not from live connection state.
type Aggregator struct {
	store EmailMetricsStore
	now   func() time.Time // Overridable in tests
}

func NewAggregator(store EmailMetricsStore) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// GetDashboardStats computes counts and period-over-period deltas. The
// previous period is the same-length window immediately preceding the
// current one.
func (a *Aggregator) GetDashboardStats(ctx context.Context, userID string, timeRange TimeRange) (*DashboardStats, error) {
	current, previous, err := PeriodBounds(timeRange, a.now())
	if err != nil {
		return nil, err
	}

	currentStats, err := a.store.GetEmailStats(ctx, userID, current.From, current.To)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate current period: %w", err)
	}
	previousStats, err := a.store.GetEmailStats(ctx, userID, previous.From, previous.To)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate previous period: %w", err)
	}

	return &DashboardStats{
		TimeRange:      timeRange,
		CurrentPeriod:  current,
		PreviousPeriod: previous,
		EmailsProcessed: Metric{
			Current:       currentStats.EmailsProcessed,
			Previous:      previousStats.EmailsProcessed,
			ChangePercent: CalculatePercentChange(float64(previousStats.EmailsProcessed), float64(currentStats.EmailsProcessed)),
		},
		AutoResponsesSent: Metric{
			Current:       currentStats.AutoResponsesSent,
			Previous:      previousStats.AutoResponsesSent,
			ChangePercent: CalculatePercentChange(float64(previousStats.AutoResponsesSent), float64(currentStats.AutoResponsesSent)),
		},
		DraftsCreated: Metric{
			Current:       currentStats.DraftsCreated,
			Previous:      previousStats.DraftsCreated,
			ChangePercent: CalculatePercentChange(float64(previousStats.DraftsCreated), float64(currentStats.DraftsCreated)),
		},
		AvgResponseTime: ResponseTimeMetric{
			Current:    FormatResponseTime(currentStats.AvgResponseTimeMs),
			Previous:   FormatResponseTime(previousStats.AvgResponseTimeMs),
			CurrentMs:  currentStats.AvgResponseTimeMs,
			PreviousMs: previousStats.AvgResponseTimeMs,
			// Fewer milliseconds is an improvement: invert the sign
			ChangePercent: -CalculatePercentChange(previousStats.AvgResponseTimeMs, currentStats.AvgResponseTimeMs),
		},
	}, nil
}

// PeriodBounds returns the current window ending now and the same-length
// window immediately preceding it.
func PeriodBounds(timeRange TimeRange, now time.Time) (current, previous Period, err error) {
	var length time.Duration
	switch timeRange {
	case RangeDaily:
		length = 24 * time.Hour
	case RangeWeek:
		length = 7 * 24 * time.Hour
	case RangeMonth:
		length = 30 * 24 * time.Hour
	case RangeYear:
		length = 365 * 24 * time.Hour
	default:
		return Period{}, Period{}, fmt.Errorf("unknown time range: %q", timeRange)
	}

	current = Period{From: now.Add(-length), To: now}
	previous = Period{From: now.Add(-2 * length), To: now.Add(-length)}
	return current, previous, nil
}

// CalculatePercentChange returns round((current-previous)/previous*100),
// with 0→0 as 0% and 0→anything as 100%.
func CalculatePercentChange(previous, current float64) int {
	if previous == 0 {
		if current == 0 {
			return 0
		}
		return 100
	}
	return int(math.Round((current - previous) / previous * 100))
}

// FormatResponseTime renders an average in milliseconds using the largest
// fitting unit: "45s", "2m 5s", "2h 5m".
func FormatResponseTime(ms float64) string {
	seconds := int64(math.Round(ms / 1000))
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		if rem := seconds % 60; rem > 0 {
			return fmt.Sprintf("%dm %ds", minutes, rem)
		}
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if rem := minutes % 60; rem > 0 {
		return fmt.Sprintf("%dh %dm", hours, rem)
	}
	return fmt.Sprintf("%dh", hours)
}
