package feeds

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleMessageUpdatesMark(t *testing.T) {
	m := NewMarkStream("", []string{"ETHUSDT"})

	payload := `{"stream":"ethusdt@bookTicker","data":{"s":"ETHUSDT","b":"2756.80","B":"12.5","a":"2757.00","A":"8.1"}}`
	m.handleMessage([]byte(payload))

	mid, ok := m.Mark("ethusdt")
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromFloat(2756.90)), "got %s", mid)

	// Lookup is case-insensitive.
	_, ok = m.Mark("ETHUSDT")
	assert.True(t, ok)
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	m := NewMarkStream("", []string{"ethusdt"})

	m.handleMessage([]byte(`not json`))
	m.handleMessage([]byte(`{"stream":"x","data":{}}`))
	m.handleMessage([]byte(`{"stream":"ethusdt@bookTicker","data":{"s":"ETHUSDT","b":"oops","a":"2757"}}`))
	m.handleMessage([]byte(`{"stream":"ethusdt@bookTicker","data":{"s":"ETHUSDT","b":"0","a":"2757"}}`))

	_, ok := m.Mark("ethusdt")
	assert.False(t, ok)
}

func TestMarkGoesStale(t *testing.T) {
	m := NewMarkStream("", []string{"solusdt"})
	m.maxStale = 20 * time.Millisecond

	m.handleMessage([]byte(`{"stream":"solusdt@bookTicker","data":{"s":"SOLUSDT","b":"115.80","a":"115.92"}}`))

	_, ok := m.Mark("solusdt")
	require.True(t, ok)
	assert.True(t, m.Connected())

	time.Sleep(40 * time.Millisecond)
	_, ok = m.Mark("solusdt")
	assert.False(t, ok)
	assert.False(t, m.Connected())
}
