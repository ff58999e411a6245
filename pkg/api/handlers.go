package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/roster"
	"classroom_clicker/pkg/session"
	"classroom_clicker/pkg/source"
)

// IdempotencyHeader carries the submission token when the body omits it
const IdempotencyHeader = "Idempotency-Key"

type ackResponse struct {
	OK bool `json:"ok"`
}

type sessionResponse struct {
	OK        bool              `json:"ok"`
	Lifecycle session.Lifecycle `json:"lifecycle"`
}

type syncResponse struct {
	OK    bool `json:"ok"`
	Count int  `json:"count"`
}

type channelRequest struct {
	Channel string `json:"channel"`
}

type participantsRequest struct {
	Participants map[string]roster.Participant `json:"participants"`
}

type questionsRequest struct {
	Questions []json.RawMessage `json:"questions"`
}

type mobileVoteRequest struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

type mobileVoteResponse struct {
	OK       bool            `json:"ok"`
	Replayed bool            `json:"replayed"`
	Outcome  session.Outcome `json:"outcome"`
}

type healthResponse struct {
	Status      string                     `json:"status"`
	Uptime      string                     `json:"uptime"`
	Subscribers int                        `json:"subscribers"`
	Connection  broadcast.ConnectionHealth `json:"connection"`
	Archive     string                     `json:"archive,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.sources != nil {
		resp.Connection = s.sources.Health()
	}
	resp.Subscribers = s.engine.Subscribers()
	if s.archive != nil {
		resp.Archive = "ok"
		if !s.archive.IsHealthy() {
			resp.Archive = "unavailable"
		}
	}
	JSONResponse(w, http.StatusOK, resp)
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, s.engine.Status())
}

// handleSession handles POST /session/{action}
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	action, err := session.ParseAction(r.PathValue("action"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lifecycle, err := s.engine.Control(action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, sessionResponse{OK: true, Lifecycle: lifecycle})
}

// handleChannel handles POST /hardware/channel
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := ParseJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.configure(w, r, source.Command{Kind: source.CommandChannel, Channel: req.Channel})
}

// handleScan handles POST /hardware/scan
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	s.configure(w, r, source.Command{Kind: source.CommandScan})
}

func (s *Server) configure(w http.ResponseWriter, r *http.Request, cmd source.Command) {
	if s.sources == nil {
		s.writeError(w, r, source.ErrNotConnected)
		return
	}
	if err := s.sources.Configure(r.Context(), cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, ackResponse{OK: true})
}

// handleReconnect handles POST /hardware/reconnect
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.sources != nil {
		s.sources.Kick()
	}
	JSONResponse(w, http.StatusAccepted, ackResponse{OK: true})
}

// handleSyncParticipants handles POST /sync/participants
func (s *Server) handleSyncParticipants(w http.ResponseWriter, r *http.Request) {
	var req participantsRequest
	if err := ParseJSONBody(w, r, s.cfg.MaxSyncBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.engine.BroadcastWith(func() (broadcast.Message, error) {
		return s.roster.ReplaceParticipants(req.Participants)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, syncResponse{OK: true, Count: len(req.Participants)})
}

// handleSyncQuestions handles POST /sync/questions
func (s *Server) handleSyncQuestions(w http.ResponseWriter, r *http.Request) {
	var req questionsRequest
	if err := ParseJSONBody(w, r, s.cfg.MaxSyncBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.engine.BroadcastWith(func() (broadcast.Message, error) {
		return s.roster.ReplaceQuestions(req.Questions)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, syncResponse{OK: true, Count: len(req.Questions)})
}

// handleMobileVote handles POST /vote/mobile
func (s *Server) handleMobileVote(w http.ResponseWriter, r *http.Request) {
	var req mobileVoteRequest
	if err := ParseJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	}

	result, err := s.engine.Submit(session.Submission{
		ParticipantID: req.ID,
		AnswerKey:     req.Key,
		DisplayName:   req.Name,
		Token:         token,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, mobileVoteResponse{
		OK:       true,
		Replayed: result.Replayed,
		Outcome:  result.Outcome,
	})
}
