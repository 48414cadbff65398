package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPriceKeepsLastHundredInOrder(t *testing.T) {
	p := &MonitoredProduct{}
	start := time.Date(2025, 8, 7, 13, 0, 0, 0, time.UTC)

	for i := 0; i < 250; i++ {
		p.RecordPrice(float64(i), start.Add(time.Duration(i)*time.Second))
		require.LessOrEqual(t, len(p.PriceHistory), MaxPriceHistory)
	}

	require.Len(t, p.PriceHistory, MaxPriceHistory)
	assert.Equal(t, 150.0, p.PriceHistory[0].Price)
	assert.Equal(t, 249.0, p.PriceHistory[MaxPriceHistory-1].Price)
	for i := 1; i < len(p.PriceHistory); i++ {
		assert.True(t, p.PriceHistory[i].Timestamp.After(p.PriceHistory[i-1].Timestamp))
	}
	require.NotNil(t, p.CurrentPrice)
	assert.Equal(t, 249.0, *p.CurrentPrice)
}

func TestTransitions(t *testing.T) {
	p := &MonitoredProduct{Status: StatusActive}

	require.NoError(t, p.Transition(StatusWaiting))
	require.NoError(t, p.Transition(StatusActive))
	require.NoError(t, p.Transition(StatusBuying))
	require.NoError(t, p.Transition(StatusPurchased))

	err := p.Transition(StatusActive)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusPurchased, p.Status)

	assert.False(t, CanTransition(StatusError, StatusActive))
	assert.False(t, CanTransition(StatusWaiting, StatusBuying))
	assert.True(t, CanTransition(StatusBuying, StatusActive))
}

func TestValidate(t *testing.T) {
	valid := MonitoredProduct{ID: "a", URL: "https://shopee.co.id/x", MonitorType: MonitorBelow, BelowPrice: 500}
	require.NoError(t, valid.Validate())

	mixed := valid
	mixed.TargetPrice = 10
	var verr *ValidationError
	require.ErrorAs(t, mixed.Validate(), &verr)
	assert.Equal(t, "price", verr.Field)

	wrongField := valid
	wrongField.MonitorType = MonitorFlash
	require.ErrorAs(t, wrongField.Validate(), &verr)

	unknown := valid
	unknown.MonitorType = "percent"
	require.ErrorAs(t, unknown.Validate(), &verr)
	assert.Equal(t, "monitor_type", verr.Field)
}

func TestFlashSaleInWindow(t *testing.T) {
	start := time.Date(2025, 8, 7, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	info := &FlashSaleInfo{IsFlashSale: true, StartTime: &start, EndTime: &end}

	assert.True(t, info.InWindow(start))
	assert.True(t, info.InWindow(end))
	assert.False(t, info.InWindow(start.Add(-time.Second)))
	assert.False(t, info.InWindow(end.Add(time.Second)))

	open := &FlashSaleInfo{IsFlashSale: true, EndTime: &end}
	assert.True(t, open.InWindow(start.Add(-24*time.Hour)))

	var none *FlashSaleInfo
	assert.False(t, none.InWindow(start))
}
