package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBTime_ValueSortsLexically(t *testing.T) {
	early, err := newDBTime(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)).Value()
	require.NoError(t, err)
	late, err := newDBTime(time.Date(2024, 1, 1, 10, 0, 0, 5000, time.UTC)).Value()
	require.NoError(t, err)

	assert.Less(t, early.(string), late.(string))
}

func TestDBTime_ZeroIsNull(t *testing.T) {
	v, err := dbTime{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Nil(t, dbTime{}.ptr())
}

func TestDBTime_Scan(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		src  any
	}{
		{"time value", want.In(time.FixedZone("NZDT", 13*3600))},
		{"layout string", "2024-01-02T03:04:05.000000Z"},
		{"rfc3339 bytes", []byte("2024-01-02T03:04:05Z")},
		{"sqlite default", "2024-01-02 03:04:05"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got dbTime
			require.NoError(t, got.Scan(tt.src))
			assert.True(t, got.Equal(want), got.String())
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	var null dbTime
	require.NoError(t, null.Scan(nil))
	assert.True(t, null.IsZero())

	var bad dbTime
	assert.Error(t, bad.Scan(42))
}
