package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/pkg/client"
)

func TestBuildRootCommandTree(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "start", "stop", "restart", "status", "events", "position", "locate", "paths", "provision", "config"} {
		assert.Contains(t, names, want)
	}

	pos, _, err := root.Find([]string{"position", "close"})
	require.NoError(t, err)
	assert.Equal(t, "close", pos.Name())

	f := root.PersistentFlags().Lookup("api-url")
	require.NotNil(t, f)
	assert.Equal(t, client.DefaultBaseURL, f.DefValue)
}

func TestConfigWriteRequiresName(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"config", "write", "--file", "x"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"name" not set`)
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--pidfile", "/old.pid", "--logfile=/old.log", "--start"}, "/run/b.pid", "")
	assert.Equal(t, []string{"serve", "--start", "--pidfile", "/run/b.pid"}, got)

	got = daemonArgs([]string{"--config", "a.toml", "serve", "--daemonize=true"}, "", "/var/log/b.log")
	assert.Equal(t, []string{"--config", "a.toml", "serve", "--logfile", "/var/log/b.log"}, got)
}

func TestFormatHealth(t *testing.T) {
	hb := int64(4)
	msg := "boom\nat line 2"
	started := time.Now().Add(-90 * time.Second)

	tests := []struct {
		name string
		in   client.Health
		want []string
	}{
		{"idle", client.Health{Phase: "idle"}, []string{"stopped"}},
		{"stopping", client.Health{Running: true, Phase: "stopping", PID: 7}, []string{"running (stopping) pid=7"}},
		{"running", client.Health{Running: true, Phase: "running", PID: 7, SecondsSinceHeartbeat: &hb, StartedAt: &started}, []string{"heartbeat=4s ago", "uptime=1m3"}},
		{"error", client.Health{Phase: "idle", LastError: &msg}, []string{"stopped\nlast error:\n  boom\n  at line 2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatHealth(tt.in)
			for _, w := range tt.want {
				assert.True(t, strings.Contains(got, w), "%q missing %q", got, w)
			}
		})
	}
}
