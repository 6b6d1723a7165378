package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/skalddb/pkg/config"
)

func TestRenderUnit(t *testing.T) {
	tests := []struct {
		target string
		want   []string
		absent []string
	}{
		{"file:///var/lib/skald", []string{"ReadWritePaths=/var/lib/skald", "ReadWritePaths=/etc/skald"}, nil},
		{"pebble:///srv/pebble", []string{"ReadWritePaths=/srv/pebble"}, nil},
		{"sqlite:///srv/db/skald.db", []string{"ReadWritePaths=/srv/db\n"}, []string{"skald.db\n"}},
		{"s3://bucket/prefix", []string{"ReadWritePaths=/etc/skald"}, []string{"bucket"}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Connector.Target = tt.target

			unit, err := renderUnit(cfg, "/etc/skald/config.yaml", "skald", "/usr/local/bin/skald")
			require.NoError(t, err)
			assert.Contains(t, unit, "User=skald")
			assert.Contains(t, unit, "Group=skald")
			assert.Contains(t, unit, "ExecStart=/usr/local/bin/skald up --config /etc/skald/config.yaml")
			for _, w := range tt.want {
				assert.Contains(t, unit, w)
			}
			for _, a := range tt.absent {
				assert.NotContains(t, unit, a)
			}
		})
	}

	cfg := config.DefaultConfig()
	cfg.Connector.Target = "bogus"
	_, err := renderUnit(cfg, "/etc/skald/config.yaml", "skald", "skald")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestJournalArgs(t *testing.T) {
	assert.Equal(t, []string{"-u", serviceName}, journalArgs(false, 0))
	assert.Equal(t, []string{"-u", serviceName, "-f", "-n50"}, journalArgs(true, 50))
}
