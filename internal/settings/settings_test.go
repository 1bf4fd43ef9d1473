package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	st, err := NewStore(dir)
	require.NoError(t, err)

	cfg := st.Get()
	assert.Equal(t, 1, cfg.ConnectionQuality)
	assert.Equal(t, 30, cfg.MinimumRefreshIntervalMinutes)
	assert.True(t, cfg.BenefitWanted("ITEM"))

	_, err = os.Stat(filepath.Join(dir, "settings.json"))
	assert.NoError(t, err)
}

func TestValidateClampsRanges(t *testing.T) {
	s := Settings{ConnectionQuality: 9, MinimumRefreshIntervalMinutes: 1}
	s.Validate()
	assert.Equal(t, 6, s.ConnectionQuality)
	assert.Equal(t, 5, s.MinimumRefreshIntervalMinutes)

	s = Settings{ConnectionQuality: -2}
	s.Validate()
	assert.Equal(t, 1, s.ConnectionQuality)
}

func TestUpdateMergesPatch(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	next, err := st.Update(map[string]json.RawMessage{
		"games_to_watch":     json.RawMessage(`["GameA","GameB"]`),
		"connection_quality": json.RawMessage(`3`),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"GameA", "GameB"}, next.GamesToWatch)
	assert.Equal(t, 3, next.ConnectionQuality)
	// Untouched keys keep their previous values.
	assert.Equal(t, 30, next.MinimumRefreshIntervalMinutes)
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	st, err := NewStore(dir)
	require.NoError(t, err)
	_, err = st.Update(map[string]json.RawMessage{
		"dark_mode": json.RawMessage(`true`),
	})
	require.NoError(t, err)

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	assert.True(t, reopened.Get().DarkMode)
}

func TestUpdateRejectsMalformedPatch(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = st.Update(map[string]json.RawMessage{
		"connection_quality": json.RawMessage(`"not a number"`),
	})
	assert.Error(t, err)
}

func TestBenefitGate(t *testing.T) {
	s := Default()
	s.MiningBenefits["EMOTE"] = false

	assert.True(t, s.BenefitWanted("ITEM"))
	assert.False(t, s.BenefitWanted("EMOTE"))
	// Types the gate has never heard of default to wanted.
	assert.True(t, s.BenefitWanted("SOMETHING_NEW"))
}

func TestGetReturnsCopy(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := st.Get()
	cfg.GamesToWatch = append(cfg.GamesToWatch, "Mutated")
	cfg.MiningBenefits["ITEM"] = false

	fresh := st.Get()
	assert.Empty(t, fresh.GamesToWatch)
	assert.True(t, fresh.MiningBenefits["ITEM"])
}
