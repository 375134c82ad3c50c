package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisor/internal/locator"
	"github.com/loykin/botvisor/internal/supervisor"
	"github.com/loykin/botvisor/internal/workspace"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates file names taken from the URL.
// Allowed characters: A-Z a-z 0-9 . _ - and no consecutive dots forming "..".
func isSafeName(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	var lnf *locator.NotFoundError
	var wnf *workspace.NotFoundError
	var snf *supervisor.NotFoundError
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrStopping):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrSetupIncomplete),
		errors.As(err, &lnf), errors.As(err, &wnf), errors.As(err, &snf):
		return http.StatusPreconditionFailed
	case errors.Is(err, supervisor.ErrNoJSONLine):
		return http.StatusBadGateway
	default:
		var pe *workspace.ProvisionError
		var se *supervisor.SpawnError
		if errors.As(err, &pe) || errors.As(err, &se) {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	}
}

// errorMessage is the single human-readable string shown to operators.
func errorMessage(err error) string {
	var lnf *locator.NotFoundError
	if errors.As(err, &lnf) {
		return lnf.Hint()
	}
	return err.Error()
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: errorMessage(err)})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
