package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/waypoint/backend/internal/middleware"
	"github.com/waypoint/backend/internal/teleport"
)

// SubmitRequest is the body of POST /api/v1/teleports.
type SubmitRequest struct {
	Requester     string  `json:"requester"`
	Subject       string  `json:"subject"`
	Target        string  `json:"target"`
	ChargedParty  string  `json:"charged_party,omitempty"`
	Cost          float64 `json:"cost,omitempty"`
	WarmupSeconds *int    `json:"warmup_seconds,omitempty"`
	Safe          *bool   `json:"safe,omitempty"`
	SilentSource  bool    `json:"silent_source,omitempty"`
	BypassToggle  bool    `json:"bypass_toggle,omitempty"`
}

// AskRequest is the body of POST /api/v1/requests. From defaults to the
// actor named by the X-Actor-ID header; unset cost, warmup and safety come
// from the world settings of the asking actor.
type AskRequest struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	Here          bool     `json:"here"`
	Cost          *float64 `json:"cost,omitempty"`
	WarmupSeconds *int     `json:"warmup_seconds,omitempty"`
	Safe          *bool    `json:"safe,omitempty"`
}

// PendingView is the JSON form of a pending request.
type PendingView struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	Requester    string    `json:"requester"`
	Subject      string    `json:"subject"`
	Target       string    `json:"target"`
	ChargedParty string    `json:"charged_party,omitempty"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type presenceBody struct {
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

type toggleBody struct {
	Accepting bool `json:"accepting"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tb := s.svc.Table()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"pending": tb.Len(),
		"warmups": s.svc.Engine().Warmups().Len(),
		"escrow":  s.svc.Engine().Escrow().Open(),
	})
}

// resolve maps a name or id to an actor. Unknown references pass through
// unchanged so the engine can report them as unreachable.
func (s *Server) resolve(r *http.Request, ref string) teleport.ActorID {
	if ref == "" {
		return ""
	}
	if id, ok := s.actors.Resolve(r.Context(), ref); ok {
		return id
	}
	return teleport.ActorID(ref)
}

// worldOf returns the world the actor is in, or "" when unknown.
func (s *Server) worldOf(r *http.Request, id teleport.ActorID) string {
	if a, ok := s.actors.Lookup(r.Context(), id); ok {
		return a.Location.World
	}
	return ""
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := teleport.Request{
		Requester:    s.resolve(r, body.Requester),
		Subject:      s.resolve(r, body.Subject),
		Target:       s.resolve(r, body.Target),
		ChargedParty: s.resolve(r, body.ChargedParty),
		Cost:         body.Cost,
		Safe:         body.Safe,
		SilentSource: body.SilentSource,
		BypassToggle: body.BypassToggle,
	}
	tc := s.settings.Teleport(s.worldOf(r, req.Subject))
	req.WarmupSeconds = tc.WarmupSeconds
	if body.WarmupSeconds != nil {
		req.WarmupSeconds = *body.WarmupSeconds
	}
	if req.Safe == nil {
		safe := tc.SafeMode
		req.Safe = &safe
	}

	ok, err := s.svc.Engine().Submit(r.Context(), req)
	if errors.Is(err, teleport.ErrPrecondition) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": ok})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var body AskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	from := s.resolve(r, body.From)
	if from == "" {
		from, _ = middleware.ActorFromContext(r.Context())
	}
	if from == "" || body.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	to, ok := s.actors.Resolve(r.Context(), body.To)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown actor "+body.To)
		return
	}

	tc := s.settings.Teleport(s.worldOf(r, from))
	ask := teleport.AskRequest{
		From:          from,
		To:            to,
		Here:          body.Here,
		Cost:          tc.Cost,
		WarmupSeconds: tc.WarmupSeconds,
		Safe:          body.Safe,
	}
	if body.Cost != nil {
		ask.Cost = *body.Cost
	}
	if body.WarmupSeconds != nil {
		ask.WarmupSeconds = *body.WarmupSeconds
	}
	if ask.Safe == nil {
		safe := tc.SafeMode
		ask.Safe = &safe
	}

	queued, err := s.svc.Ask(r.Context(), ask)
	if errors.Is(err, teleport.ErrPrecondition) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": queued})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	actor := s.resolve(r, mux.Vars(r)["actor"])
	req, ok := s.svc.Pending(r.Context(), actor)
	if !ok {
		writeError(w, http.StatusNotFound, "no pending request")
		return
	}

	view := PendingView{
		ID:           req.ID,
		Key:          string(req.Key),
		ChargedParty: string(req.ChargedParty),
		Cost:         req.Cost,
		CreatedAt:    req.CreatedAt,
		ExpiresAt:    req.ExpiresAt,
	}
	if req.Task != nil {
		d := req.Task.Descriptor()
		view.Requester = string(d.Requester)
		view.Subject = string(d.Subject)
		view.Target = string(d.Target)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.answerer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": s.svc.Accept(r.Context(), actor)})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.answerer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"denied": s.svc.Deny(r.Context(), actor)})
}

// answerer resolves the {actor} a request is addressed to. A caller named
// by X-Actor-ID may only answer its own requests.
func (s *Server) answerer(w http.ResponseWriter, r *http.Request) (teleport.ActorID, bool) {
	actor := s.resolve(r, mux.Vars(r)["actor"])
	if caller, ok := middleware.ActorFromContext(r.Context()); ok && caller != actor {
		writeError(w, http.StatusForbidden, "cannot answer a request addressed to "+string(actor))
		return "", false
	}
	return actor, true
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actors.Lookup(r.Context(), s.resolve(r, mux.Vars(r)["id"]))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown actor")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handlePresence records a join or quit. Quitting interrupts a running
// warmup.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	id := teleport.ActorID(mux.Vars(r)["id"])
	var body presenceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.actors.SetOnline(r.Context(), id, body.Name, body.Online); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	interrupted := false
	if !body.Online {
		interrupted = s.svc.Interrupt(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": body.Online, "interrupted": interrupted})
}

// handleLocation records a movement. Changing position (not just rotation)
// interrupts a running warmup.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	id := teleport.ActorID(mux.Vars(r)["id"])
	var loc teleport.Location
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prev, known := s.actors.Lookup(r.Context(), id)
	if err := s.actors.SetLocation(r.Context(), id, loc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	interrupted := false
	if known && moved(prev.Location, loc) {
		interrupted = s.svc.Interrupt(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": interrupted})
}

func moved(a, b teleport.Location) bool {
	return a.World != b.World || a.X != b.X || a.Y != b.Y || a.Z != b.Z
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := teleport.ActorID(mux.Vars(r)["id"])
	var body toggleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.SetAccepting(r.Context(), id, body.Accepting); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepting": body.Accepting})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := teleport.ActorID(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": s.svc.Interrupt(r.Context(), id)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters := s.svc.Engine().Escrow().DeadLetters()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(letters),
		"dead_letters": letters,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	trail := s.svc.Engine().Escrow().Trail()
	ref := r.URL.Query().Get("ref")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"root":    trail.Root(),
		"entries": trail.Entries(ref),
	})
}

// handleTaskCallback runs a warmup delivered by Cloud Tasks. Unknown or
// already handled ids answer 200 so the queue does not retry them.
func (s *Server) handleTaskCallback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fired := s.callbacks.Fire(r.Context(), id)
	if !fired {
		s.logger.Printf("callback for unknown or finished task %s", id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"fired": fired})
}
