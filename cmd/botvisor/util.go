package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/botvisor/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// formatHealth renders one status line, e.g.
// "running pid=42 heartbeat=3s ago uptime=1m0s".
func formatHealth(h client.Health) string {
	var sb strings.Builder
	if h.Running {
		sb.WriteString("running")
	} else {
		sb.WriteString("stopped")
	}
	if h.Phase != "" && h.Phase != "running" && h.Phase != "idle" {
		fmt.Fprintf(&sb, " (%s)", h.Phase)
	}
	if h.PID > 0 {
		fmt.Fprintf(&sb, " pid=%d", h.PID)
	}
	if h.SecondsSinceHeartbeat != nil {
		fmt.Fprintf(&sb, " heartbeat=%ds ago", *h.SecondsSinceHeartbeat)
	}
	if h.StartedAt != nil && h.Running {
		fmt.Fprintf(&sb, " uptime=%s", time.Since(*h.StartedAt).Truncate(time.Second))
	}
	if h.LastError != nil {
		fmt.Fprintf(&sb, "\nlast error:\n  %s", strings.ReplaceAll(*h.LastError, "\n", "\n  "))
	}
	return sb.String()
}
