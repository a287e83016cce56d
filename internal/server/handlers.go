package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/roach88/readsync/internal/engine"
	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/tracker"
)

// Signal types accepted by POST /events/tracking.
const (
	SignalVisible  = "visible"
	SignalScroll   = "scroll"
	SignalMutation = "mutation"
	SignalLayout   = "layout"
	SignalPageHide = "pagehide"
	SignalUnload   = "unload"
)

// Signal is one page event. Only the fields of its type are read.
type Signal struct {
	Type         string                `json:"type"`
	Observations []tracker.Observation `json:"observations,omitempty"`
	Units        []tracker.Unit        `json:"units,omitempty"`
	Viewport     tracker.Viewport      `json:"viewport"`
	Boxes        []tracker.Box         `json:"boxes,omitempty"`
}

// TrackingRequest is a batch of signals, applied in order.
type TrackingRequest struct {
	Signals []Signal `json:"signals"`
}

// TrackingResponse tells the page which units to attach its visibility
// observer to, and the current session after the batch.
type TrackingResponse struct {
	Observe []tracker.Unit           `json:"observe"`
	Session *tracker.SessionSnapshot `json:"session,omitempty"`
}

func validSignal(t string) bool {
	switch t {
	case SignalVisible, SignalScroll, SignalMutation, SignalLayout, SignalPageHide, SignalUnload:
		return true
	}
	return false
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	var req TrackingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Reject the whole batch before applying any of it.
	for i, sig := range req.Signals {
		if !validSignal(sig.Type) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("signal %d: unknown type %q", i, sig.Type))
			return
		}
	}

	ctx := r.Context()
	t := s.deps.Tracker
	for _, sig := range req.Signals {
		switch sig.Type {
		case SignalVisible:
			t.HandleVisibility(ctx, sig.Observations)
		case SignalScroll:
			t.HandleScroll()
		case SignalMutation:
			t.HandleMutation(sig.Units)
		case SignalLayout:
			s.deps.Layout.Update(sig.Viewport, sig.Boxes)
		case SignalPageHide:
			t.PageHide(ctx)
		case SignalUnload:
			t.Unload(ctx)
		}
	}

	resp := TrackingResponse{Observe: s.deps.Attach.Drain()}
	if resp.Observe == nil {
		resp.Observe = []tracker.Unit{}
	}
	if snap, ok := t.Session(); ok {
		resp.Session = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

// MutationRequest is an operation tag and its payload.
type MutationRequest struct {
	Type    ir.OperationType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// MutationResponse reports what the Mutator did.
type MutationResponse struct {
	Outcome engine.Outcome `json:"outcome"`
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	op, err := ir.DecodeOperation(req.Type, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ir.NormalizeKey(op.OwnerID()) != ir.NormalizeKey(s.deps.Owner) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("owner %q is not served by this agent", op.OwnerID()))
		return
	}

	outcome, err := s.deps.Mutator.Apply(r.Context(), op)
	switch {
	case errors.Is(err, ir.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("mutation not stored", "operation", op.Type(), "error", err)
		writeError(w, http.StatusInternalServerError, "mutation not stored")
		return
	}

	status := http.StatusOK
	if outcome == engine.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, MutationResponse{Outcome: outcome})
}

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
