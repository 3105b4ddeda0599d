// Package httpapi exposes the call bring-up webhook, the outbound-call
// trigger, and the health check (spec.md §6) over an HTTP router, grounded
// on the original ai_orchestrator.py's signalwire_webhook_handler and
// management_api.py's outbound-call endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/transport"
)

// CallInitiator places an outbound call at the telephony provider and
// returns its provider-assigned id. A concrete implementation lives outside
// this module's scope (spec.md Non-goals exclude telephony-provider
// integration); callers inject whatever adapter their deployment uses.
type CallInitiator interface {
	InitiateCall(ctx context.Context, fromNumber, toNumber string, clientState map[string]interface{}) (string, error)
}

// Server wires the webhook/outbound/health HTTP surface to the orchestrator
// core. It holds no telephony-specific knowledge beyond the envelope the
// spec defines.
type Server struct {
	Services  *orchestrator.SystemServices
	Agents    orchestrator.AgentDirectory
	Initiator CallInitiator
	Logger    orchestrator.Logger

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

func NewServer(services *orchestrator.SystemServices, agents orchestrator.AgentDirectory, initiator CallInitiator) *Server {
	logger := services.Logger
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Server{
		Services:  services,
		Agents:    agents,
		Initiator: initiator,
		Logger:    logger,
		sessions:  make(map[string]context.CancelFunc),
	}
}

// Router builds the gorilla/mux router exposing the three endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhook/call", s.handleCallWebhook).Methods(http.MethodPost)
	r.HandleFunc("/calls/outbound", s.handleOutboundCall).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

type callWebhookPayload struct {
	CallID      string `json:"call_id"`
	FromNumber  string `json:"from_number"`
	ToNumber    string `json:"to_number"`
	MediaURL    string `json:"media_url"`
	State       string `json:"state"`
	Direction   string `json:"direction"`
	ClientState string `json:"client_state"`
}

type clientState struct {
	AIAgentID       string                 `json:"ai_agent_id"`
	CustomVariables map[string]interface{} `json:"custom_variables"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, status int, errCode, detail string) {
	writeJSON(w, status, map[string]string{"error": errCode, "detail": detail})
}

// handleCallWebhook resolves the agent, seeds the Session Store, dials the
// media transport, and starts a Session (spec.md §6, "answered"); on "ended"
// it marks the CallRecord terminal and clears the call's Session Store keys.
func (s *Server) handleCallWebhook(w http.ResponseWriter, r *http.Request) {
	var payload callWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	switch payload.State {
	case "ended":
		s.handleCallEnded(r.Context(), payload)
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
		return
	case "answered":
		s.handleCallAnswered(r.Context(), w, payload)
		return
	default:
		writeErr(w, http.StatusBadRequest, "invalid_state", "state must be 'answered' or 'ended'")
	}
}

func (s *Server) handleCallAnswered(ctx context.Context, w http.ResponseWriter, payload callWebhookPayload) {
	agent, ok := s.resolveAgent(ctx, payload)
	if !ok {
		// spec.md §6: never fail the webhook on an unresolved agent — telephony
		// retries are harmful.
		writeJSON(w, http.StatusOK, map[string]string{"message": "No agent found"})
		return
	}

	if err := s.seedSessionStore(ctx, payload.CallID, agent); err != nil {
		s.Logger.Warn("httpapi: failed to seed session store", "call_id", payload.CallID, "error", err)
	}

	conn, err := transport.DialMediaSession(ctx, payload.MediaURL)
	if err != nil {
		s.Logger.Error("httpapi: failed to dial media session", "call_id", payload.CallID, "error", err)
		writeErr(w, http.StatusInternalServerError, "transport_dial_failed", err.Error())
		return
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sessions[payload.CallID] = cancel
	s.mu.Unlock()

	session := orchestrator.NewSession(sessionCtx, s.Services, payload.CallID, agent, payload.CallID, conn)

	record := orchestrator.CallRecord{
		CallID:     payload.CallID,
		Direction:  orchestrator.CallDirection(payload.Direction),
		FromNumber: payload.FromNumber,
		ToNumber:   payload.ToNumber,
		AgentID:    agent.AgentID,
		StartedAt:  time.Now(),
		Status:     orchestrator.CallAnswered,
	}
	if err := s.Services.Sink.UpsertCall(ctx, record); err != nil {
		s.Logger.Warn("httpapi: failed to persist call start", "call_id", payload.CallID, "error", err)
	}

	go func() {
		if err := session.Run(); err != nil {
			s.Logger.Warn("httpapi: session ended with error", "call_id", payload.CallID, "error", err)
		}
		s.mu.Lock()
		delete(s.sessions, payload.CallID)
		s.mu.Unlock()
	}()

	writeJSON(w, http.StatusOK, map[string]string{"message": "accepted"})
}

func (s *Server) handleCallEnded(ctx context.Context, payload callWebhookPayload) {
	s.mu.Lock()
	cancel, ok := s.sessions[payload.CallID]
	delete(s.sessions, payload.CallID)
	s.mu.Unlock()
	if ok {
		cancel()
	}

	record := orchestrator.CallRecord{
		CallID:  payload.CallID,
		EndedAt: time.Now(),
		Status:  orchestrator.CallCompleted,
	}
	if err := s.Services.Sink.UpsertCall(ctx, record); err != nil {
		s.Logger.Warn("httpapi: failed to mark call terminal", "call_id", payload.CallID, "error", err)
	}
	if err := s.Services.Store.Clear(ctx, payload.CallID); err != nil {
		s.Logger.Warn("httpapi: failed to clear session store", "call_id", payload.CallID, "error", err)
	}
}

func (s *Server) resolveAgent(ctx context.Context, payload callWebhookPayload) (orchestrator.AgentConfig, bool) {
	if payload.Direction == "outbound" && payload.ClientState != "" {
		var cs clientState
		if err := json.Unmarshal([]byte(payload.ClientState), &cs); err == nil && cs.AIAgentID != "" {
			agent, err := s.Agents.ResolveByID(ctx, cs.AIAgentID)
			if err == nil {
				return agent, true
			}
		}
		return orchestrator.AgentConfig{}, false
	}

	agent, err := s.Agents.ResolveByNumber(ctx, payload.ToNumber)
	if err != nil {
		return orchestrator.AgentConfig{}, false
	}
	return agent, true
}

func (s *Server) seedSessionStore(ctx context.Context, callID string, agent orchestrator.AgentConfig) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return s.Services.Store.Set(ctx, callID, orchestrator.FieldAgentConfig, string(data), int(orchestrator.TTLAgentConfig.Seconds()))
}

type outboundCallRequest struct {
	FromNumber      string                 `json:"from_number"`
	ToNumber        string                 `json:"to_number"`
	AIAgentID       string                 `json:"ai_agent_id"`
	CustomVariables map[string]interface{} `json:"custom_variables"`
}

// handleOutboundCall verifies the agent, initiates the call, and returns the
// provider-assigned id (spec.md §6, "Outbound call initiation").
func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req outboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.FromNumber == "" || req.ToNumber == "" || req.AIAgentID == "" {
		writeErr(w, http.StatusBadRequest, "missing_fields", "from_number, to_number, and ai_agent_id are required")
		return
	}

	agent, err := s.Agents.ResolveByID(r.Context(), req.AIAgentID)
	if err != nil || !agent.IsActive {
		writeErr(w, http.StatusNotFound, "agent_not_found", "ai agent not found or inactive")
		return
	}

	cs := map[string]interface{}{"ai_agent_id": req.AIAgentID}
	if len(req.CustomVariables) > 0 {
		cs["custom_variables"] = req.CustomVariables
	}

	callID, err := s.Initiator.InitiateCall(r.Context(), req.FromNumber, req.ToNumber, cs)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "provider_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID})
}

// healthStatus labels a single cognitive service healthy/degraded/down.
type healthStatus string

const (
	healthHealthy  healthStatus = "healthy"
	healthDegraded healthStatus = "degraded"
	healthDown     healthStatus = "down"
)

type healthResponse struct {
	Transport healthStatus            `json:"transport"`
	Services  map[string]healthStatus `json:"services"`
}

// handleHealth reports a status for the transport and for each of the three
// external cognitive services (spec.md §6). Only the LLM is pinged, with a
// one-message Complete call; STT and TTS are reported down when unset and
// healthy otherwise, and the transport is always reported healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Transport: healthHealthy,
		Services:  make(map[string]healthStatus),
	}

	resp.Services["stt"] = s.pingSTT(ctx)
	resp.Services["llm"] = s.pingLLM(ctx)
	resp.Services["tts"] = s.pingTTS(ctx)

	status := http.StatusOK
	for _, v := range resp.Services {
		if v == healthDown {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) pingSTT(ctx context.Context) healthStatus {
	if s.Services.STT == nil {
		return healthDown
	}
	return healthHealthy
}

func (s *Server) pingLLM(ctx context.Context) healthStatus {
	if s.Services.LLM == nil {
		return healthDown
	}
	if _, err := s.Services.LLM.Complete(ctx, []orchestrator.Message{{Role: "user", Content: "ping"}}); err != nil {
		return healthDegraded
	}
	return healthHealthy
}

func (s *Server) pingTTS(ctx context.Context) healthStatus {
	if s.Services.TTS == nil {
		return healthDown
	}
	return healthHealthy
}
