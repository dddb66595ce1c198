// Package risk holds the venue trip switch: a per-venue breaker that
// refuses new placements on a venue that has proven untrustworthy.
// Auth failures trip a venue until an operator resets it; a streak of
// rejected orders trips it for a cooldown and then re-arms.
package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
	"funding_keeper/pkg/telemetry"
)

// TripReason explains why a venue was tripped.
type TripReason string

const (
	ReasonAuthFailure  TripReason = "AUTH_FAILURE"
	ReasonRejectStreak TripReason = "REJECT_STREAK"
	ReasonManual       TripReason = "MANUAL"
)

// VenueStatus is a diagnostic snapshot of one venue's breaker.
type VenueStatus struct {
	Venue              core.Venue
	Tripped            bool
	Reason             TripReason
	TrippedAt          time.Time
	Until              time.Time
	ConsecutiveRejects int
}

type venueState struct {
	tripped   bool
	reason    TripReason
	trippedAt time.Time
	// until is when a cooldown trip re-arms; zero means only an
	// operator reset clears it.
	until   time.Time
	rejects int
}

// TripSwitch is the per-venue breaker consulted before every
// placement.
type TripSwitch struct {
	logger     core.ILogger
	clock      core.Clock
	maxRejects int
	cooldown   time.Duration

	mu     sync.Mutex
	venues map[core.Venue]*venueState
}

func NewTripSwitch(cfg *config.Config, logger core.ILogger, clock core.Clock) *TripSwitch {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &TripSwitch{
		logger:     logger.WithField("component", "trip_switch"),
		clock:      clock,
		maxRejects: cfg.Risk.MaxConsecutiveRejects,
		cooldown:   time.Duration(cfg.Risk.CooldownSeconds) * time.Second,
		venues:     make(map[core.Venue]*venueState),
	}
}

// Allow reports whether the venue may receive a new order. A cooldown
// trip whose window has passed re-arms here.
func (t *TripSwitch) Allow(venue core.Venue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.venues[venue]
	if !ok || !st.tripped {
		return nil
	}
	if !st.until.IsZero() && !t.clock.Now().Before(st.until) {
		t.clearLocked(venue, st)
		t.logger.Info("Venue re-armed after cooldown", "venue", string(venue))
		return nil
	}
	return fmt.Errorf("venue %s tripped (%s): %w", venue, st.reason, apperrors.ErrVenueDisabled)
}

// RecordFailure feeds a placement error into the breaker. Auth
// failures trip immediately and permanently; rejections accumulate
// toward the streak threshold. Anything else (network, rate limits) is
// the retry layer's problem and leaves the breaker alone.
func (t *TripSwitch) RecordFailure(venue core.Venue, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(venue)

	switch {
	case errors.Is(err, apperrors.ErrAuthFailure):
		t.tripLocked(venue, st, ReasonAuthFailure, time.Time{})
	case errors.Is(err, apperrors.ErrOrderRejected):
		st.rejects++
		if t.maxRejects > 0 && st.rejects >= t.maxRejects && !st.tripped {
			t.tripLocked(venue, st, ReasonRejectStreak, t.clock.Now().Add(t.cooldown))
		}
	}
}

// RecordSuccess resets the venue's reject streak. It never untrips.
func (t *TripSwitch) RecordSuccess(venue core.Venue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.venues[venue]; ok {
		st.rejects = 0
	}
}

// Trip opens the breaker by operator request.
func (t *TripSwitch) Trip(venue core.Venue, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(venue)
	t.logger.Warn("Venue tripped manually", "venue", string(venue), "reason", reason)
	t.tripLocked(venue, st, ReasonManual, time.Time{})
}

// Reset closes the breaker and clears the streak. Returns whether the
// venue was tripped.
func (t *TripSwitch) Reset(venue core.Venue) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.venues[venue]
	if !ok || !st.tripped {
		return false
	}
	t.clearLocked(venue, st)
	t.logger.Info("Venue reset by operator", "venue", string(venue))
	return true
}

// Status snapshots every venue the switch has seen, sorted by venue.
func (t *TripSwitch) Status() []VenueStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]VenueStatus, 0, len(t.venues))
	for venue, st := range t.venues {
		out = append(out, VenueStatus{
			Venue:              venue,
			Tripped:            st.tripped,
			Reason:             st.reason,
			TrippedAt:          st.trippedAt,
			Until:              st.until,
			ConsecutiveRejects: st.rejects,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

func (t *TripSwitch) stateLocked(venue core.Venue) *venueState {
	st, ok := t.venues[venue]
	if !ok {
		st = &venueState{}
		t.venues[venue] = st
	}
	return st
}

func (t *TripSwitch) tripLocked(venue core.Venue, st *venueState, reason TripReason, until time.Time) {
	if st.tripped && st.until.IsZero() {
		// Already tripped without an expiry; nothing is stricter.
		return
	}
	st.tripped = true
	st.reason = reason
	st.trippedAt = t.clock.Now()
	st.until = until
	telemetry.GetGlobalMetrics().SetVenueTripped(string(venue), true)
	t.logger.Error("Venue trip switch opened",
		"venue", string(venue),
		"reason", string(reason),
		"until", st.until.Format(time.RFC3339))
}

func (t *TripSwitch) clearLocked(venue core.Venue, st *venueState) {
	st.tripped = false
	st.reason = ""
	st.trippedAt = time.Time{}
	st.until = time.Time{}
	st.rejects = 0
	telemetry.GetGlobalMetrics().SetVenueTripped(string(venue), false)
}
