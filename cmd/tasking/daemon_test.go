package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/config"
)

func newFlagCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addStorageFlags(cmd)
	cmd.Flags().StringVar(&daemonFlags.listen, "listen", "", "")
	cmd.Flags().StringVar(&daemonFlags.logLevel, "log-level", "", "")
	cmd.Flags().BoolVar(&daemonFlags.pretty, "pretty", false, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestApplyDaemonFlags_OnlyChanged(t *testing.T) {
	cfg := config.DefaultConfig()
	defaults := *cfg

	applyDaemonFlags(newFlagCmd(t, "--listen", ":9000"), cfg)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, defaults.Database, cfg.Database)
	assert.Equal(t, defaults.Log, cfg.Log)
}

func TestApplyDaemonFlags_DSNSelectsPostgres(t *testing.T) {
	cfg := config.DefaultConfig()
	applyDaemonFlags(newFlagCmd(t, "--dsn", "host=db", "--log-level", "debug"), cfg)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "host=db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestParseTaskID(t *testing.T) {
	id, err := parseTaskID("12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	_, err = parseTaskID("0")
	assert.Error(t, err)
	_, err = parseTaskID("abc")
	assert.Error(t, err)
}
