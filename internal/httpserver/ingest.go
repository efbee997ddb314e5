package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/voicebridge/proximity-relay/internal/metrics"
	"github.com/voicebridge/proximity-relay/internal/world"
)

type ingestRequest struct {
	Players *[]world.ReportedPlayer `json:"players"`
}

type ingestResponse struct {
	OK    bool `json:"ok"`
	Count int  `json:"count"`
}

type ingestError struct {
	Error string `json:"error"`
}

// NewIngestHandler accepts bulk position snapshots from the game-server
// plugin and replaces the position store content wholesale.
//
// A malformed body fails the request and leaves the store untouched; there is
// no partial ingest. An empty players array is a valid report meaning "nobody
// online" and clears the store.
func NewIngestHandler(store *world.Store, m *metrics.Metrics, maxBodyBytes int64, logger *slog.Logger) http.Handler {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 2 << 20
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			m.Inc(metrics.IngestRejected)
			status := http.StatusBadRequest
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				status = http.StatusRequestEntityTooLarge
			}
			WriteJSON(w, status, ingestError{Error: "invalid JSON body: " + err.Error()})
			return
		}
		if req.Players == nil {
			m.Inc(metrics.IngestRejected)
			WriteJSON(w, http.StatusBadRequest, ingestError{Error: "missing players array"})
			return
		}

		count, err := store.Ingest(*req.Players)
		if err != nil {
			m.Inc(metrics.IngestRejected)
			WriteJSON(w, http.StatusBadRequest, ingestError{Error: err.Error()})
			return
		}

		m.Add(metrics.PositionsIngested, uint64(count))
		logger.Debug("positions ingested", "count", count)
		WriteJSON(w, http.StatusOK, ingestResponse{OK: true, Count: count})
	})
}
