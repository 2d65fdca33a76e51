package domain

import (
	"fmt"
	"time"
)

// PG identifies a payment gateway (PSP) integration.
type PG string

const (
	PGPhonePe PG = "phonepe"
)

// MandateStatus is the lifecycle state of a recurring-debit mandate.
type MandateStatus string

const (
	MandateInitiated               MandateStatus = "INITIATED"
	MandateActive                  MandateStatus = "ACTIVE"
	MandatePausedInApp             MandateStatus = "PAUSED_IN_APP"
	MandatePausedPSP               MandateStatus = "PAUSED_PSP"
	MandatePausedNoAppOpen         MandateStatus = "PAUSED_NO_APP_OPEN"
	MandateRevokedPSP              MandateStatus = "REVOKED_PSP"
	MandateFailed                  MandateStatus = "FAILED"
	MandateCancelledAndStartedAnew MandateStatus = "CANCELLED_AND_STARTED_ANEW"
)

var mandateTransitions = map[MandateStatus][]MandateStatus{
	MandateInitiated: {MandateActive, MandateFailed, MandateCancelledAndStartedAnew},
	MandateActive: {
		MandatePausedInApp, MandatePausedPSP, MandatePausedNoAppOpen,
		MandateRevokedPSP, MandateCancelledAndStartedAnew,
	},
	MandatePausedInApp:     {MandateActive, MandatePausedPSP, MandateRevokedPSP, MandateCancelledAndStartedAnew},
	MandatePausedNoAppOpen: {MandateActive, MandatePausedPSP, MandateRevokedPSP, MandateCancelledAndStartedAnew},
	MandatePausedPSP:       {MandateActive, MandateRevokedPSP, MandateCancelledAndStartedAnew},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to MandateStatus) bool {
	for _, next := range mandateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s MandateStatus) Terminal() bool {
	return len(mandateTransitions[s]) == 0
}

// AppPaused reports whether the mandate was paused by the application and can
// therefore be resumed by the user. PAUSED_PSP is excluded.
func (s MandateStatus) AppPaused() bool {
	return s == MandatePausedInApp || s == MandatePausedNoAppOpen
}

// Paused reports whether the status is one of the paused variants.
func (s MandateStatus) Paused() bool {
	return s.AppPaused() || s == MandatePausedPSP
}

// StatusEntry is one append-only status history record.
type StatusEntry struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Metadata is opaque client context captured at mandate creation and reused
// for notification targeting.
type Metadata struct {
	AppID    string `json:"appId,omitempty"`
	Dialect  string `json:"dialect,omitempty"`
	OS       string `json:"os,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Mandate is the aggregate root for transactions, notifications and refunds.
type Mandate struct {
	ID             string
	UserID         string
	PlanID         string
	PG             PG
	PgMandateID    string
	UMN            string
	SequenceNumber int
	CreationAmount int64
	MaxAmount      int64
	TrialEligible  bool
	Status         MandateStatus
	StatusHistory  []StatusEntry
	ExpiresAt      time.Time
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transition moves the mandate to the target status. Re-applying the current
// status is a no-op and reports changed=false.
func (m *Mandate) Transition(to MandateStatus, at time.Time, reason string) (bool, error) {
	if m.Status == to {
		return false, nil
	}
	if !CanTransition(m.Status, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	m.StatusHistory = append(m.StatusHistory, StatusEntry{Status: string(to), At: at, Reason: reason})
	m.UpdatedAt = at
	return true, nil
}

// Plan describes pricing and cadence for a subscription product.
type Plan struct {
	ID            string
	Name          string
	TrialAmount   int64
	NetAmount     int64
	MaxAmount     int64
	TrialDays     int
	FrequencyDays int
	Currency      string
}

// User carries the subset of user state the lifecycle needs.
type User struct {
	ID                  string
	LegacyTrialConsumed bool
}
