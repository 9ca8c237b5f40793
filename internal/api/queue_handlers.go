package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/flowqueue/internal/queue"
)

// handleListQueues returns a snapshot of every queue.
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshots())
}

// handleGetQueue returns a snapshot of one queue.
func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, err := s.engine.Snapshot(name)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleRemoveQueue unlinks a queue from the registry.
func (s *Server) handleRemoveQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.RemoveQueue(name); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": name})
}

// handleResetStats clears a queue's statistics.
func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.ResetStats(name); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reset": name})
}

// handleSummarize publishes a QueueSummary event for one queue.
func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.Summarize(name); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summarized": name})
}

// handleReload re-reads the queue definition file and applies it.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusServiceUnavailable, "no queue definition file configured")
		return
	}
	if err := s.reload(); err != nil {
		s.logger.Error("reload failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logger.Info("queues reloaded via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// customLogRequest is the JSON body for writing a custom queue-log entry.
type customLogRequest struct {
	CallerUID string   `json:"caller_uid"`
	Agent     string   `json:"agent"`
	Tag       string   `json:"tag"`
	Extras    []string `json:"extras"`
}

// handleCustomLog writes a caller-supplied queue-log record.
func (s *Server) handleCustomLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req customLogRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}

	s.engine.LogCustom(name, req.CallerUID, req.Agent, req.Tag, req.Extras...)
	writeJSON(w, http.StatusOK, map[string]string{"logged": req.Tag})
}

// ruleResponse is the JSON view of one penalty rule set.
type ruleResponse struct {
	Name  string     `json:"name"`
	Steps []ruleStep `json:"steps"`
}

type ruleStep struct {
	TimeSeconds int  `json:"time_seconds"`
	Max         int  `json:"max"`
	MaxRelative bool `json:"max_relative"`
	Min         int  `json:"min"`
	MinRelative bool `json:"min_relative"`
}

// handleListRules returns every penalty rule set.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	sets := s.engine.RuleSets()
	items := make([]ruleResponse, 0, len(sets))
	for _, rs := range sets {
		resp := ruleResponse{Name: rs.Name}
		for _, step := range rs.Rules() {
			resp.Steps = append(resp.Steps, ruleStep{
				TimeSeconds: int(step.Time.Seconds()),
				Max:         step.MaxValue,
				MaxRelative: step.MaxRelative,
				Min:         step.MinValue,
				MinRelative: step.MinRelative,
			})
		}
		items = append(items, resp)
	}
	writeJSON(w, http.StatusOK, items)
}

// writeQueueError maps engine errors to HTTP statuses.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNoQueue), errors.Is(err, queue.ErrNoMember):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrMemberExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrInvalidPenalty), errors.Is(err, queue.ErrEmptyInterface):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
