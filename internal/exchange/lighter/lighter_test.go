package lighter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
)

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]core.OrderStatus{
		"pending":             core.OrderStatusPending,
		"open":                core.OrderStatusSubmitted,
		"in-progress":         core.OrderStatusSubmitted,
		"partially-filled":    core.OrderStatusPartiallyFilled,
		"filled":              core.OrderStatusFilled,
		"canceled":            core.OrderStatusCancelled,
		"canceled-reduce-only": core.OrderStatusCancelled,
		"canceled-self-trade": core.OrderStatusCancelled,
		"canceled-margin":     core.OrderStatusRejected,
		"rejected":            core.OrderStatusRejected,
		"expired":             core.OrderStatusExpired,
		"canceled-expired":    core.OrderStatusExpired,
		"something-new":       core.OrderStatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, mapOrderStatus(raw), "status %q", raw)
	}
}

func TestMapVenueError(t *testing.T) {
	assert.NoError(t, mapVenueError(0, ""))
	assert.NoError(t, mapVenueError(200, "ok"))

	cases := []struct {
		code int
		want error
	}{
		{21001, apperrors.ErrAuthFailure},
		{23404, apperrors.ErrOrderNotFound},
		{23409, apperrors.ErrDuplicateOrder},
		{23422, apperrors.ErrReduceOnlyViolation},
		{23423, apperrors.ErrInsufficientBalance},
		{23424, apperrors.ErrStepSize},
		{29001, apperrors.ErrRateLimited},
		{20100, apperrors.ErrInvalidOrder},
		{23999, apperrors.ErrOrderRejected},
	}
	for _, tc := range cases {
		err := mapVenueError(tc.code, "boom")
		assert.ErrorIs(t, err, tc.want, "code %d", tc.code)

		ee, ok := core.AsExchangeError(err)
		assert.True(t, ok)
		assert.Equal(t, core.VenueLighter, ee.Venue)
	}
}

func TestMapTIF(t *testing.T) {
	tif, err := mapTIF(core.TIFGoodTilCancel)
	assert.NoError(t, err)
	assert.Equal(t, "good-till-cancel", tif)

	tif, err = mapTIF("")
	assert.NoError(t, err)
	assert.Equal(t, "good-till-cancel", tif)

	tif, err = mapTIF(core.TIFImmediateOrCancel)
	assert.NoError(t, err)
	assert.Equal(t, "immediate-or-cancel", tif)

	tif, err = mapTIF(core.TIFFillOrKill)
	assert.NoError(t, err)
	assert.Equal(t, "fill-or-kill", tif)

	_, err = mapTIF("DAY")
	assert.ErrorIs(t, err, apperrors.ErrNotSupported)
}

func TestSymbolForIndex(t *testing.T) {
	e := &Exchange{
		markets: map[core.Symbol]marketInfo{},
		byIndex: map[int]marketInfo{2: {index: 2, symbol: "eth"}},
	}
	assert.Equal(t, core.Symbol("ETH"), e.symbolForIndex(2))
	assert.Equal(t, core.Symbol("MARKET-7"), e.symbolForIndex(7))
}
