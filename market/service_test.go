package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceCache_MidAndStaleness(t *testing.T) {
	c := NewPriceCache()
	_, err := c.Mid("BTCUSDT")
	assert.ErrorIs(t, err, ErrNoPrice)
	assert.Greater(t, c.Staleness("BTCUSDT"), time.Hour)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.OnMid("BTCUSDT", 100.5)

	mid, err := c.Mid("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100.5, mid)

	c.now = func() time.Time { return base.Add(3 * time.Second) }
	assert.Equal(t, 3*time.Second, c.Staleness("BTCUSDT"))
}

func TestPriceCache_IgnoresNonPositive(t *testing.T) {
	c := NewPriceCache()
	c.OnMid("BTCUSDT", 0)
	c.OnMid("BTCUSDT", -5)
	_, err := c.Mid("BTCUSDT")
	assert.ErrorIs(t, err, ErrNoPrice)
}
