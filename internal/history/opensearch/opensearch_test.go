package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/history"
)

func TestOpenSearchSinkPostsDocument(t *testing.T) {
	var gotPath, gotCT string
	var got history.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCT = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := New(srv.URL+"/", "worker-history")
	e := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{RunID: "r-os", PID: 9, Status: history.StatusRunning},
	}
	require.NoError(t, sink.Send(context.Background(), e))
	assert.Equal(t, "/worker-history/_doc", gotPath)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "r-os", got.Record.RunID)
	assert.Equal(t, history.EventStart, got.Type)
}

func TestOpenSearchSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	err := New(srv.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
