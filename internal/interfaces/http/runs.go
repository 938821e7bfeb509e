package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/application/backtest"
	"github.com/sawpanic/alphaforge/internal/report/assemble"
)

// ErrorResponse is the body of every non-2xx JSON reply
type ErrorResponse struct {
	Error     string    `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

type activeRuns struct {
	Active []string `json:"active"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	ids := s.runs.Active()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, activeRuns{Active: ids})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	status, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.runs.Cancel(id) {
		writeError(w, r, http.StatusConflict, "run "+id+" is not running")
		return
	}
	log.Info().Str("run_id", id).Str("request_id", RequestID(r.Context())).Msg("Run cancellation requested")
	w.WriteHeader(http.StatusAccepted)
}

// exportRun streams the rebalance log of a finished run as CSV
func (s *Server) exportRun(w http.ResponseWriter, r *http.Request) {
	status, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if status.State != backtest.StateSuccess || status.Result == nil {
		writeError(w, r, http.StatusConflict, "run "+status.RunID+" has no result (state "+string(status.State)+")")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+status.RunID+`-rebalances.csv"`)
	if err := assemble.WriteRebalanceCSV(w, status.Result.Logs); err != nil {
		log.Error().Err(err).Str("run_id", status.RunID).Msg("Failed to export rebalances")
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (backtest.Status, bool) {
	id := mux.Vars(r)["id"]
	status, err := s.runs.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, backtest.ErrRunNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
		} else {
			log.Error().Err(err).Str("run_id", id).Msg("Failed to load run status")
			writeError(w, r, http.StatusInternalServerError, "failed to load run status")
		}
		return backtest.Status{}, false
	}
	return status, true
}
