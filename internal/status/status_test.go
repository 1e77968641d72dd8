package status_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/downpour-dl/downpour/internal/status"
)

func TestString(t *testing.T) {
	assert.Equal(t, "Pending", status.Pending.String())
	assert.Equal(t, "Downloading", status.Downloading.String())
	assert.Equal(t, "Completed", status.Completed.String())
	assert.Equal(t, "Error", status.Error.String())
	assert.Equal(t, "Cancelled", status.Cancelled.String())
	assert.Equal(t, "Unknown(99)", status.Status(99).String())
}

func TestTerminal(t *testing.T) {
	assert.False(t, status.Pending.Terminal())
	assert.False(t, status.Downloading.Terminal())
	assert.True(t, status.Completed.Terminal())
	assert.True(t, status.Error.Terminal())
	assert.True(t, status.Cancelled.Terminal())
}
