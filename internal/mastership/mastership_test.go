package mastership

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

func TestStaticOracle(t *testing.T) {
	oracle, err := NewStaticOracle([]string{"device:r[12]", "device:spine*"})
	require.NoError(t, err)

	owned := map[topology.DeviceID]bool{
		"device:r1":      true,
		"device:r2":      true,
		"device:r3":      false,
		"device:spine-1": true,
		"device:leaf-1":  false,
	}
	for id, expected := range owned {
		require.Equal(t, expected, oracle.IsLocalOwner(id), id)
	}

	none, err := NewStaticOracle(nil)
	require.NoError(t, err)
	require.False(t, none.IsLocalOwner("device:r1"))

	_, err = NewStaticOracle([]string{"device:[r"})
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		cfg      string
		expected *Config
	}{
		{
			cfg:      "kind: zookeeper",
			expected: nil,
		},
		{
			cfg:      "owned: ['device:[r']",
			expected: nil,
		},
		{
			cfg: `
kind: etcd
session_ttl: 500ms
`,
			expected: nil,
		},
		{
			cfg: `
owned: ['device:r*']
`,
			expected: &Config{
				Kind:       KindStatic,
				Owned:      []string{"device:r*"},
				Prefix:     DefaultEtcdPrefix,
				SessionTTL: 10 * time.Second,
			},
		},
		{
			cfg: `
kind: etcd
prefix: /lab/mastership/
session_ttl: 3s
`,
			expected: &Config{
				Kind:       KindEtcd,
				Owned:      []string{"*"},
				Prefix:     "/lab/mastership/",
				SessionTTL: 3 * time.Second,
			},
		},
	}

	for idx, c := range cases {
		t.Run(fmt.Sprintf("case #%d", idx), func(t *testing.T) {
			cfg := DefaultConfig()
			err := yaml.Unmarshal([]byte(c.cfg), cfg)
			if c.expected == nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, c.expected, cfg)
			}
		})
	}
}

func TestEtcdOracleTracking(t *testing.T) {
	oracle := NewEtcdOracle(nil, "node-1")
	require.False(t, oracle.IsLocalOwner("device:r1"))

	oracle.Track("device:r1")
	oracle.Track("device:r1")
	require.Len(t, oracle.wakeCh, 1)
	<-oracle.wakeCh

	oracle.Untrack("device:r2")
	require.Len(t, oracle.wakeCh, 0)
	oracle.Untrack("device:r1")
	require.Len(t, oracle.wakeCh, 1)
	require.Empty(t, oracle.tracked)
}
