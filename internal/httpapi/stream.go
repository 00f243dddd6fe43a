package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Events streams committed ledger changes as Server-Sent Events.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "Unavailable", "streaming disabled")
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ch := a.stream.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case change, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(change)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", change.Balance.Version, change.Op, payload); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
