package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/pkg/schema"
)

func newTestBreakers(threshold int) (*ActionBreakers, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewActionBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: 10 * time.Second})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestActionBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(3)
	require.NoError(t, b.Allow("org-1", "http.get"))

	assert.Equal(t, BreakerClosed, b.Failure("org-1", "http.get"))
	assert.Equal(t, BreakerClosed, b.Failure("org-1", "http.get"))
	assert.Equal(t, BreakerOpen, b.Failure("org-1", "http.get"))

	err := b.Allow("org-1", "http.get")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionExecution))
	assert.True(t, IsRetryableError(err))
}

func TestActionBreakers_TenantIsolation(t *testing.T) {
	b, _ := newTestBreakers(1)
	b.Failure("org-1", "crm.sync")

	assert.Error(t, b.Allow("org-1", "crm.sync"))
	assert.NoError(t, b.Allow("org-2", "crm.sync"))
	assert.NoError(t, b.Allow("org-1", "http.get"))
}

func TestActionBreakers_HalfOpenTrial(t *testing.T) {
	b, now := newTestBreakers(1)
	b.Failure("org-1", "a")
	require.Error(t, b.Allow("org-1", "a"))

	*now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow("org-1", "a"), "first call after cooldown is the trial")
	assert.Equal(t, BreakerHalfOpen, b.State("org-1", "a"))
	assert.Error(t, b.Allow("org-1", "a"), "only one trial call at a time")

	assert.Equal(t, BreakerOpen, b.Failure("org-1", "a"), "failed trial reopens")

	*now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow("org-1", "a"))
	b.Success("org-1", "a")
	assert.Equal(t, BreakerClosed, b.State("org-1", "a"))
	assert.NoError(t, b.Allow("org-1", "a"))
}

func TestActionBreakers_Disabled(t *testing.T) {
	b, _ := newTestBreakers(0)
	for i := 0; i < 10; i++ {
		b.Failure("org-1", "a")
	}
	assert.NoError(t, b.Allow("org-1", "a"))

	var nilBreakers *ActionBreakers
	assert.NoError(t, nilBreakers.Allow("org-1", "a"))
	nilBreakers.Success("org-1", "a")
	assert.Equal(t, BreakerClosed, nilBreakers.Failure("org-1", "a"))
}
