// Package vault carries capital instructions from the upstream vault
// contract into the control plane. The keeper only consumes these
// events; watching the chain and decoding transactions is the
// ingestor's job, upstream of this package.
package vault

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

// EventType names the capital instructions the vault can issue.
type EventType string

const (
	// EventCapitalDeployed announces fresh capital credited to the
	// keeper for deployment into venue accounts.
	EventCapitalDeployed EventType = "CAPITAL_DEPLOYED"
	// EventWithdrawalRequested asks the keeper to free Amount USD by
	// unwinding pairs, worst performers first.
	EventWithdrawalRequested EventType = "WITHDRAWAL_REQUESTED"
	// EventEmergencyRecall asks for the whole book back. Amount is
	// ignored.
	EventEmergencyRecall EventType = "EMERGENCY_RECALL"
	// EventImmediateWithdrawal is a recall that additionally pages the
	// operator; the vault has already promised the funds downstream.
	EventImmediateWithdrawal EventType = "IMMEDIATE_WITHDRAWAL"
)

// Event is one capital instruction. Amount is USD and only meaningful
// for deploys and plain withdrawals; TxHash identifies the source
// transaction for diagnostics.
type Event struct {
	Type      EventType
	Amount    decimal.Decimal
	TxHash    string
	Timestamp time.Time
}

// Stream is the subscription surface the scheduler consumes. The
// channel closes when the stream shuts down.
type Stream interface {
	Events() <-chan Event
}

// ChannelStream is a channel-backed Stream fed by Publish. The ingestor
// side pushes, the scheduler ranges; a lagging consumer loses events
// rather than stalling the publisher.
type ChannelStream struct {
	ch     chan Event
	logger core.ILogger
	clock  core.Clock

	mu     sync.RWMutex
	closed bool
}

// NewChannelStream creates a stream with the given buffer. Zero or
// negative buffers get a small default so a briefly busy consumer does
// not shed events.
func NewChannelStream(buffer int, logger core.ILogger, clock core.Clock) *ChannelStream {
	if buffer <= 0 {
		buffer = 16
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &ChannelStream{
		ch:     make(chan Event, buffer),
		logger: logger.WithField("component", "vault_stream"),
		clock:  clock,
	}
}

// Events returns the consumer side of the stream.
func (s *ChannelStream) Events() <-chan Event {
	return s.ch
}

// Publish enqueues an event, stamping Timestamp when the caller left it
// zero. It reports false when the stream is closed or the buffer is
// full; a dropped capital event is an operator problem, so it is logged
// at error level.
func (s *ChannelStream) Publish(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.logger.Error("Vault event dropped, consumer is not keeping up",
			"type", string(ev.Type),
			"amount", ev.Amount.String(),
			"tx_hash", ev.TxHash)
		return false
	}
}

// Close shuts the stream; the consumer's range loop ends once buffered
// events drain. Safe to call more than once.
func (s *ChannelStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
