package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsRateLimit(t *testing.T) {
	t.Run("direct error", func(t *testing.T) {
		rle, ok := AsRateLimit(&RateLimitError{RetryAfter: 30})
		require.True(t, ok)
		assert.Equal(t, 30, rle.RetryAfter)
	})

	t.Run("wrapped error", func(t *testing.T) {
		wrapped := fmt.Errorf("request failed: %w", &RateLimitError{RetryAfter: 5})
		rle, ok := AsRateLimit(wrapped)
		require.True(t, ok)
		assert.Equal(t, 5, rle.RetryAfter)
	})

	t.Run("other errors", func(t *testing.T) {
		_, ok := AsRateLimit(errors.New("boom"))
		assert.False(t, ok)
		_, ok = AsRateLimit(nil)
		assert.False(t, ok)
	})
}

func TestRateLimitErrorMessage(t *testing.T) {
	err := &RateLimitError{RetryAfter: 60}
	assert.Equal(t, "rate limited (retry after 60s)", err.Error())
}
