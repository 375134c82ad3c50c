package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONLine(t *testing.T) {
	cases := []struct {
		name string
		out  string
		want string
		ok   bool
	}{
		{"noise around payload", "noise\n{\"ok\":true}\nmore noise", `{"ok":true}`, true},
		{"last of several", "{\"n\":1}\n{\"n\":2}\n", `{"n":2}`, true},
		{"indented line is noise", "{\"n\":1}\nboot\n   {\"ok\":false}\n", `{"n":1}`, true},
		{"crlf and trailing space", "boot\r\n{\"ok\":false}  \r\n", `{"ok":false}`, true},
		{"line kept verbatim", "{\"a\": 1}  \nend\n", `{"a": 1}  `, true},
		{"none", "starting\ndone\n", "", false},
		{"empty", "", "", false},
		// multi-line JSON only yields its opening line
		{"multi-line payload", "{\n  \"ok\": true\n}\n", "{", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractJSONLine(tc.out)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCheckPositionPassesCheckOnly(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, longRunning)
	writeScript(t, filepath.Join(f.ws.code, DefaultCloseScript),
		"echo 'loading config'\necho \"{\\\"args\\\":\\\"$*\\\",\\\"quiet\\\":\\\"$DOTENV_CONFIG_QUIET\\\"}\"\n")

	out, err := f.sup.CheckPosition(context.Background())
	require.NoError(t, err)
	cfg := filepath.Join(f.ws.data, "config.json")
	assert.Equal(t, `{"args":"`+cfg+` --check-only","quiet":"true"}`, out)

	out, err = f.sup.ClosePosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"args":"`+cfg+`","quiet":"true"}`, out)
}

func TestPositionScriptFailureUsesStderr(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, longRunning)
	writeScript(t, filepath.Join(f.ws.code, DefaultCloseScript), "echo working\necho '  no position api key  ' 1>&2\nexit 1\n")

	_, err := f.sup.ClosePosition(context.Background())
	require.ErrorIs(t, err, ErrNoJSONLine)
	assert.Equal(t, "script failed: no position api key", err.Error())
}

func TestPositionScriptNonZeroExitWithResult(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, longRunning)
	writeScript(t, filepath.Join(f.ws.code, DefaultCloseScript), "echo '{\"closed\":0}'\nexit 2\n")

	out, err := f.sup.ClosePosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"closed":0}`, out)
}

func TestPositionScriptMissing(t *testing.T) {
	f := newFixture(t, longRunning)
	_, err := f.sup.CheckPosition(context.Background())
	require.Error(t, err)
	assert.Equal(t, "close.mjs not found in bot directory", err.Error())
}

func TestPositionScriptTimeout(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, longRunning)
	f.sup.opts.AuxTimeout = 100 * time.Millisecond
	writeScript(t, filepath.Join(f.ws.code, DefaultCloseScript), "sleep 5\n")

	_, err := f.sup.CheckPosition(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to run script")
}
