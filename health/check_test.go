package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfig_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("nil check is unknown", func(t *testing.T) {
		s := CheckConfig{}.Run(ctx, "svc.clock")
		assert.Equal(t, StatusUnknown, s.Status)
	})

	t.Run("passing check", func(t *testing.T) {
		s := CheckConfig{Check: func(context.Context) error { return nil }}.Run(ctx, "svc.clock")
		assert.Equal(t, StatusHealthy, s.Status)
		require.NotNil(t, s.Metrics)
	})

	t.Run("failing check", func(t *testing.T) {
		s := CheckConfig{Check: func(context.Context) error {
			return errors.New("no tick")
		}}.Run(ctx, "svc.clock")
		assert.Equal(t, StatusUnhealthy, s.Status)
		assert.Equal(t, "no tick", s.Message)
	})

	t.Run("degraded check", func(t *testing.T) {
		s := CheckConfig{Check: func(context.Context) error {
			return Degraded(errors.New("drifting"))
		}}.Run(ctx, "svc.clock")
		assert.Equal(t, StatusDegraded, s.Status)
	})

	t.Run("timeout enforced on a check ignoring ctx", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		start := time.Now()
		s := CheckConfig{
			Timeout: 20 * time.Millisecond,
			Check: func(context.Context) error {
				<-release
				return nil
			},
		}.Run(ctx, "svc.clock")

		assert.Equal(t, StatusUnhealthy, s.Status)
		assert.Contains(t, s.Message, "timed out")
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("panicking check", func(t *testing.T) {
		s := CheckConfig{Check: func(context.Context) error { panic("boom") }}.Run(ctx, "svc.clock")
		assert.Equal(t, StatusUnhealthy, s.Status)
	})
}

func TestCheckAll(t *testing.T) {
	checks := map[string]CheckConfig{
		"a": {Check: func(context.Context) error { return nil }},
		"b": {Check: func(context.Context) error { return errors.New("down") }},
		"c": {},
	}

	got := CheckAll(context.Background(), checks)

	require.Len(t, got, 3)
	assert.Equal(t, StatusHealthy, got["a"].Status)
	assert.Equal(t, StatusUnhealthy, got["b"].Status)
	assert.Equal(t, StatusUnknown, got["c"].Status)
	assert.Equal(t, "b", got["b"].Component)
}
