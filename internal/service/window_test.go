package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateRange(t *testing.T) {
	t.Run("range", func(t *testing.T) {
		w, err := ParseDateRange("2017-01-01,2017-01-03")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), w.Start)
		assert.Equal(t, time.Date(2017, 1, 4, 0, 0, 0, 0, time.UTC), w.End)
		assert.Equal(t, 3, w.Days())
		assert.Equal(t, "2017-01-01..2017-01-03", w.String())
	})

	t.Run("single day", func(t *testing.T) {
		w, err := ParseDateRange(" 2017-01-02 ")
		require.NoError(t, err)
		assert.Equal(t, 1, w.Days())
		assert.True(t, w.Contains(time.Date(2017, 1, 2, 23, 59, 59, 0, time.UTC)))
		assert.False(t, w.Contains(w.End))
	})

	t.Run("next", func(t *testing.T) {
		w, err := ParseDateRange("2017-01-01")
		require.NoError(t, err)
		next := w.Next()
		assert.Equal(t, w.End, next.Start)
		assert.Equal(t, 1, next.Days())
	})

	for _, bad := range []string{"", "2017-01-03,2017-01-01", "2017-13-01", "2017-01-01,2017-01-02,2017-01-03", "yesterday"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseDateRange(bad)
			assert.Error(t, err)
		})
	}
}
