package scheduler

import (
	"time"

	"github.com/noah-isme/backend-autopay/internal/config"
	"github.com/noah-isme/backend-autopay/internal/domain"
)

// DaysAfterExpiry is the number of whole days since endAt; negative before it.
func DaysAfterExpiry(endAt, now time.Time) int {
	d := now.Sub(endAt)
	if d < 0 {
		return -int((-d + day - 1) / day)
	}
	return int(d / day)
}

// CadenceDue applies the three-tier retry cadence after expiry: every check
// in the first month, every SecondMonthFrequencyDays in the second, every
// ThirdMonthFrequencyDays until TotalRetryWindowDays, then never.
func CadenceDue(cfg config.Scheduler, endAt, now time.Time) bool {
	d := DaysAfterExpiry(endAt, now)
	switch {
	case d <= 30:
		return true
	case d <= 60:
		return everyNth(d, cfg.SecondMonthFrequencyDays)
	case d <= cfg.TotalRetryWindowDays:
		return everyNth(d, cfg.ThirdMonthFrequencyDays)
	default:
		return false
	}
}

func everyNth(d, n int) bool {
	if n <= 1 {
		return true
	}
	return d%n == 0
}

// ShouldNotify decides whether a new pre-debit notification is due given the
// latest one on record (nil when none exists).
func ShouldNotify(latest *domain.MandateNotification, now time.Time, retryAfterDays int) bool {
	if latest == nil {
		return true
	}
	if latest.Status == domain.NotificationFailed {
		return true
	}
	return !latest.CreatedAt.After(now.Add(-time.Duration(retryAfterDays) * day))
}

// RenewalWindow is the endAt range the notification scan covers.
func RenewalWindow(cfg config.Scheduler, now time.Time) domain.RenewalWindow {
	return domain.RenewalWindow{
		From: now.Add(-time.Duration(cfg.TotalRetryWindowDays) * day),
		To:   now.Add(time.Duration(cfg.BufferDays) * day),
	}
}
