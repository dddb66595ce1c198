package vault

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/mock"
	"funding_keeper/pkg/logging"
)

func TestPublishDeliversInOrder(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	s := NewChannelStream(4, logging.NewNop(), clock)

	require.True(t, s.Publish(Event{Type: EventCapitalDeployed, Amount: decimal.NewFromInt(50000)}))
	require.True(t, s.Publish(Event{Type: EventWithdrawalRequested, Amount: decimal.NewFromInt(1000)}))

	first := <-s.Events()
	assert.Equal(t, EventCapitalDeployed, first.Type)
	assert.True(t, first.Amount.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, clock.Now(), first.Timestamp, "timestamp stamped at publish")

	second := <-s.Events()
	assert.Equal(t, EventWithdrawalRequested, second.Type)
}

func TestPublishKeepsCallerTimestamp(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	s := NewChannelStream(1, logging.NewNop(), clock)

	at := time.Unix(1690000000, 0)
	require.True(t, s.Publish(Event{Type: EventEmergencyRecall, Timestamp: at}))
	assert.Equal(t, at, (<-s.Events()).Timestamp)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	s := NewChannelStream(1, logging.NewNop(), clock)

	require.True(t, s.Publish(Event{Type: EventCapitalDeployed}))
	assert.False(t, s.Publish(Event{Type: EventCapitalDeployed}), "full buffer sheds instead of blocking")

	<-s.Events()
	assert.True(t, s.Publish(Event{Type: EventCapitalDeployed}), "room again after a read")
}

func TestCloseEndsConsumerLoop(t *testing.T) {
	clock := mock.NewClock(time.Unix(1700000000, 0))
	s := NewChannelStream(4, logging.NewNop(), clock)

	require.True(t, s.Publish(Event{Type: EventImmediateWithdrawal}))
	s.Close()
	s.Close() // idempotent

	assert.False(t, s.Publish(Event{Type: EventCapitalDeployed}), "publish after close is refused")

	var seen []EventType
	for ev := range s.Events() {
		seen = append(seen, ev.Type)
	}
	assert.Equal(t, []EventType{EventImmediateWithdrawal}, seen, "buffered events drain before the loop ends")
}
