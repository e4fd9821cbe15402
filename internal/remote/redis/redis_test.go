package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
)

func TestParseURL(t *testing.T) {
	opt, err := ParseURL("redis://:secret@cache:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)

	opt, err = ParseURL("cache:6379")
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opt.Addr)

	_, err = ParseURL("  ")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	s := New(nil, "", applog.Discard())
	assert.Equal(t, "fintrack:budget:u1", s.budgetKey("u1"))
	assert.Equal(t, "fintrack:expenses:u1", s.expensesKey("u1"))

	s = New(nil, "staging", applog.Discard())
	assert.Equal(t, "staging:budget:u1", s.budgetKey("u1"))
}

func TestDecodeBudget(t *testing.T) {
	m, err := decodeBudget("1500.5")
	require.NoError(t, err)
	assert.Equal(t, int64(150050), m.Cents)

	_, err = decodeBudget("lots")
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
}

func TestDecodeExpenses(t *testing.T) {
	fields := map[string]string{
		"a":   `{"id":"ignored","user_id":"u1","amount":12.5,"category":"Food","date":"2025-03-01","notes":"lunch"}`,
		"bad": `not json`,
	}
	records, bad := decodeExpenses(fields)
	assert.Equal(t, 1, bad)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, int64(1250), records[0].Amount.Cents)
}
