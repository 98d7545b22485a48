package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategorizedError_IsMatchesByCode(t *testing.T) {
	err := NewCyclicInvocationError("update-crafts", []string{"update-crafts", "update-hideout", "update-crafts"})
	wrapped := fmt.Errorf("starting job: %w", err)

	assert.True(t, errors.Is(wrapped, ErrCyclicInvocation))
	assert.False(t, errors.Is(wrapped, ErrAlreadyRunning))
	assert.Contains(t, err.Error(), "update-crafts -> update-hideout -> update-crafts")
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		category   ErrorCategory
		statusCode int
	}{
		{"already running", NewAlreadyRunningError("check-scanners", 1), CategoryConcurrency, http.StatusConflict},
		{"command timeout", NewCommandTimeoutError("pause", "abc", time.Second), CategoryTimeout, http.StatusGatewayTimeout},
		{"wrapped not found", fmt.Errorf("lookup: %w", NewNotFoundError("scanner", "7")), CategoryNotFound, http.StatusNotFound},
		{"plain error", errors.New("boom"), CategorySystem, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := Categorize(tt.err)
			assert.Equal(t, tt.category, cat.Category)
			assert.Equal(t, tt.statusCode, GetHTTPStatusCode(tt.err))
		})
	}

	assert.Nil(t, Categorize(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewDatabaseError("acquire", errors.New("conn reset"))))
	assert.True(t, IsRetryable(NewCommandTimeoutError("getJson", "id", time.Second)))
	assert.False(t, IsRetryable(NewCyclicInvocationError("a", []string{"a", "a"})))
	assert.False(t, IsRetryable(NewLeaseError("item-1", "ambiguous offer")))
	assert.False(t, IsRetryable(nil))
}

func TestIsUserError(t *testing.T) {
	assert.True(t, IsUserError(NewInvalidParameterError("batchSize", "must be positive")))
	assert.True(t, IsUserError(NewForbiddenError("no trader privileges")))
	assert.False(t, IsUserError(NewInternalError("oops", nil)))
}

func TestLookup(t *testing.T) {
	hit := Found(42)
	assert.True(t, hit.Found)
	assert.Equal(t, 42, hit.Value)

	miss := NotFound[int](map[string]interface{}{"quest": "q1"})
	assert.False(t, miss.Found)
	assert.Equal(t, "q1", miss.Context["quest"])
}
