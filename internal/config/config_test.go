package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsWithEmptyConfig(t *testing.T) {
	cfg := &BridgeConfig{}
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":12288", cfg.GetDataAddress())
	require.Equal(t, 2, cfg.GetChannels())
	require.Equal(t, 8, cfg.GetPoolCapacity())
	require.Equal(t, 50*time.Millisecond, cfg.GetFrameTimeout())
	require.Equal(t, 3, cfg.GetControlMaxRetries())
	require.Equal(t, 10*time.Second, cfg.GetStatsInterval())
	require.Empty(t, cfg.GetJournalPath())
}

func TestPartialConfigOverridesOnlyNamedFields(t *testing.T) {
	path := writeConfig(t, `{
		"data_address": ":9000",
		"frame_timeout": "200ms",
		"pool_capacity": 4
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.GetDataAddress())
	require.Equal(t, 200*time.Millisecond, cfg.GetFrameTimeout())
	require.Equal(t, 4, cfg.GetPoolCapacity())
	// Untouched fields keep defaults.
	require.Equal(t, 2, cfg.GetChannels())
	require.Equal(t, 100*time.Millisecond, cfg.GetControlTimeout())
}

func TestExplicitZeroRetriesPreserved(t *testing.T) {
	// 0 is a meaningful setting (no retransmission), distinct from unset.
	path := writeConfig(t, `{"control_max_retries": 0}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0, cfg.GetControlMaxRetries())
}

func TestSyncGroupsParse(t *testing.T) {
	path := writeConfig(t, `{
		"sync_groups": [
			{"id": "stereo", "channels": [0, 1], "tolerance": "1ms"}
		]
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.SyncGroups, 1)
	require.Equal(t, "stereo", cfg.SyncGroups[0].ID)
	require.Equal(t, []uint16{0, 1}, cfg.SyncGroups[0].Channels)
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"zero channels":        `{"channels": 0}`,
		"negative capacity":    `{"pool_capacity": -1}`,
		"bad duration":         `{"frame_timeout": "soon"}`,
		"negative retries":     `{"control_max_retries": -1}`,
		"group missing id":     `{"sync_groups": [{"channels": [0, 1], "tolerance": "1ms"}]}`,
		"group one channel":    `{"sync_groups": [{"id": "x", "channels": [0], "tolerance": "1ms"}]}`,
		"group bad tolerance":  `{"sync_groups": [{"id": "x", "channels": [0, 1], "tolerance": "tight"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, ".json")
}
