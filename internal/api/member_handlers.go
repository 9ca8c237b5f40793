package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/flowqueue/internal/queue"
)

// addMemberRequest is the JSON body for registering a dynamic member.
type addMemberRequest struct {
	Interface   string `json:"interface"`
	DisplayName string `json:"display_name"`
	StateKey    string `json:"state_key"`
	Penalty     int    `json:"penalty"`
	Paused      bool   `json:"paused"`
	RingInUse   bool   `json:"ring_in_use"`
}

// handleAddMember registers a dynamic member.
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req addMemberRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Penalty < 0 {
		writeError(w, http.StatusBadRequest, "penalty must not be negative")
		return
	}

	err := s.engine.AddMember(name, queue.MemberConfig{
		Interface:   req.Interface,
		DisplayName: req.DisplayName,
		StateKey:    req.StateKey,
		Penalty:     req.Penalty,
		Paused:      req.Paused,
		RingInUse:   req.RingInUse,
	}, queue.ProvenanceDynamic)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"added": req.Interface})
}

// memberRequest names one member interface in a queue-scoped operation.
type memberRequest struct {
	Interface string `json:"interface"`
}

// handleRemoveMember unregisters a member.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req memberRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.engine.RemoveMember(name, req.Interface); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.Interface})
}

// pauseRequest is the JSON body for pausing or unpausing a member.
type pauseRequest struct {
	Interface string `json:"interface"`
	Paused    bool   `json:"paused"`
	Reason    string `json:"reason"`
}

// handlePauseMember sets the paused flag on a member in one queue.
func (s *Server) handlePauseMember(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req pauseRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.engine.PauseMember(name, req.Interface, req.Paused, req.Reason); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interface": req.Interface,
		"paused":    req.Paused,
	})
}

// handlePauseEverywhere sets the paused flag on an interface in every
// queue that contains it.
func (s *Server) handlePauseEverywhere(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.engine.PauseMember("", req.Interface, req.Paused, req.Reason); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interface": req.Interface,
		"paused":    req.Paused,
	})
}

// penaltyRequest is the JSON body for changing a member's penalty.
type penaltyRequest struct {
	Interface string `json:"interface"`
	Penalty   int    `json:"penalty"`
}

// handleSetPenalty updates a member's penalty.
func (s *Server) handleSetPenalty(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req penaltyRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.engine.SetPenalty(name, req.Interface, req.Penalty); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interface": req.Interface,
		"penalty":   req.Penalty,
	})
}

// ringInUseRequest is the JSON body for changing a member's ring-in-use
// permission.
type ringInUseRequest struct {
	Interface string `json:"interface"`
	RingInUse bool   `json:"ring_in_use"`
}

// handleSetRingInUse updates a member's ring-in-use permission.
func (s *Server) handleSetRingInUse(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req ringInUseRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.engine.SetRingInUse(name, req.Interface, req.RingInUse); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interface":   req.Interface,
		"ring_in_use": req.RingInUse,
	})
}
