package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning  = errors.New("Bot is already running")
	ErrStopping        = errors.New("Bot is stopping")
	ErrNotRunning      = errors.New("Bot is not running")
	ErrSetupIncomplete = errors.New("config.json not found. Complete setup first.")
)

// NotFoundError reports a file the supervisor needs inside the code dir.
type NotFoundError struct {
	What string
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found at: %s", e.What, e.Path)
}

// SpawnError wraps a failure to launch the worker. RuntimeMissing is set when
// the runtime executable itself could not be found or executed.
type SpawnError struct {
	RuntimeMissing bool
	Path           string
	DownloadURL    string
	Err            error
}

func (e *SpawnError) Error() string {
	if e.RuntimeMissing {
		msg := fmt.Sprintf("Node.js not found at '%s'", e.Path)
		if e.DownloadURL != "" {
			msg += ". Install from " + e.DownloadURL
		}
		return msg
	}
	return fmt.Sprintf("Failed to start bot: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
