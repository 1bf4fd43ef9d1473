package watch

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/gql"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/settings"
)

func testWatcher(t *testing.T) (*Service, *settings.Store) {
	t.Helper()
	log, err := logger.Setup(logger.Config{Colored: false})
	require.NoError(t, err)

	store, err := settings.NewStore(t.TempDir())
	require.NoError(t, err)

	return New(nil, nil, nil, store, nil, events.NewBus(), log), store
}

func TestIntervalScalesWithConnectionQuality(t *testing.T) {
	s, store := testWatcher(t)

	assert.Equal(t, 20*time.Second, s.interval())

	for quality := 1; quality <= 6; quality++ {
		_, err := store.Update(map[string]json.RawMessage{
			"connection_quality": json.RawMessage(fmt.Sprintf("%d", quality)),
		})
		require.NoError(t, err)
		assert.Equal(t, 20*time.Second/time.Duration(quality), s.interval())
	}
}

func TestAsInvalidUnwraps(t *testing.T) {
	base := &gql.RequestInvalidError{Op: "beacon", Status: 410}
	wrapped := fmt.Errorf("posting heartbeat: %w", base)

	var target *gql.RequestInvalidError
	require.True(t, asInvalid(wrapped, &target))
	assert.Equal(t, 410, target.Status)

	target = nil
	assert.False(t, asInvalid(fmt.Errorf("plain failure"), &target))
}
