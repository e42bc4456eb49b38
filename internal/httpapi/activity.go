package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"clearance.org/internal/auth"
)

// handleActivity streams committed domain events as Server-Sent Events.
func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := a.deps.Model.Require(p.Actor(), auth.CapViewSystemActivities); err != nil {
		a.handleError(w, r, err)
		return
	}
	if a.deps.Activity == nil {
		writeError(w, r, http.StatusServiceUnavailable, "activity feed disabled")
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.deps.Activity.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + event.Topic + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
