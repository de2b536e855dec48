// Package api exposes the coordination core over REST for surface connectors
// and operator tooling.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/joescharf/relay/internal/commands"
	"github.com/joescharf/relay/internal/lifecycle"
	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/orchestrator"
	"github.com/joescharf/relay/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store store.Store
	orch  *orchestrator.Orchestrator
}

// NewServer creates a new API server.
func NewServer(s store.Store, orch *orchestrator.Orchestrator) *Server {
	return &Server{store: s, orch: orch}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/events", s.handleEvent)
	mux.HandleFunc("POST /api/v1/events/close", s.handleCloseEvent)
	mux.HandleFunc("POST /api/v1/events/resume", s.handleResumeEvent)

	mux.HandleFunc("GET /api/v1/codebases", s.listCodebases)
	mux.HandleFunc("POST /api/v1/codebases", s.createCodebase)
	mux.HandleFunc("GET /api/v1/codebases/{id}", s.getCodebase)
	mux.HandleFunc("PUT /api/v1/codebases/{id}", s.updateCodebase)
	mux.HandleFunc("DELETE /api/v1/codebases/{id}", s.deleteCodebase)
	mux.HandleFunc("POST /api/v1/codebases/{id}/commands/reload", s.reloadCommands)

	mux.HandleFunc("GET /api/v1/conversations", s.listConversations)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.getConversation)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Events ---

// EventRequest is the JSON body for POST /api/v1/events.
type EventRequest struct {
	Platform       string `json:"platform"`
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
	Command        string `json:"command,omitempty"`
	Codebase       string `json:"codebase,omitempty"`
	Issue          *struct {
		Number        int    `json:"number"`
		IsPullRequest bool   `json:"is_pull_request"`
		HeadRef       string `json:"head_ref,omitempty"`
		HeadSHA       string `json:"head_sha,omitempty"`
		LinkedIssues  []int  `json:"linked_issues,omitempty"`
	} `json:"issue,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var body EventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Platform == "" || body.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "platform and conversation_id are required")
		return
	}

	req := orchestrator.Request{
		Platform:               models.Platform(body.Platform),
		PlatformConversationID: body.ConversationID,
		Prompt:                 body.Prompt,
		Command:                body.Command,
		CodebaseName:           body.Codebase,
	}
	if body.Issue != nil {
		req.Issue = &lifecycle.IssueEvent{
			Number:        body.Issue.Number,
			IsPullRequest: body.Issue.IsPullRequest,
			HeadRef:       body.Issue.HeadRef,
			HeadSHA:       body.Issue.HeadSHA,
			LinkedIssues:  body.Issue.LinkedIssues,
		}
	}

	if err := s.orch.HandleRequest(r.Context(), req); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "handled"})
}

func (s *Server) handleCloseEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Platform      string `json:"platform"`
		Number        int    `json:"number"`
		IsPullRequest bool   `json:"is_pull_request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Platform == "" || body.Number == 0 {
		writeError(w, http.StatusBadRequest, "platform and number are required")
		return
	}

	err := s.orch.HandleClose(r.Context(), orchestrator.CloseEvent{
		Platform: models.Platform(body.Platform),
		Number:   body.Number,
		IsPR:     body.IsPullRequest,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleResumeEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Platform       string `json:"platform"`
		ConversationID string `json:"conversation_id"`
		Transcript     string `json:"transcript"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Platform == "" || body.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "platform and conversation_id are required")
		return
	}

	err := s.orch.RequestResume(r.Context(), models.Platform(body.Platform), body.ConversationID, body.Transcript)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resume requested"})
}

// --- Codebases ---

func (s *Server) listCodebases(w http.ResponseWriter, r *http.Request) {
	codebases, err := s.store.ListCodebases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if codebases == nil {
		codebases = []*models.Codebase{}
	}
	writeJSON(w, http.StatusOK, codebases)
}

func (s *Server) createCodebase(w http.ResponseWriter, r *http.Request) {
	var c models.Codebase
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if c.Name == "" || c.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}

	// Pick up the repo's command manifest at registration time.
	if c.Commands == nil {
		templates, err := commands.Load(c.Path)
		if err == nil {
			c.Commands = templates
		}
	}

	if err := s.store.CreateCodebase(r.Context(), &c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getCodebase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	codebase, err := s.store.GetCodebase(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, codebase)
}

func (s *Server) updateCodebase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetCodebase(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Empty strings are treated as "not provided" to avoid wiping data.
	patchString(patch, "name", &existing.Name)
	patchString(patch, "path", &existing.Path)
	patchString(patch, "repo_url", &existing.RepoURL)

	if err := s.store.UpdateCodebase(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteCodebase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteCodebase(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadCommands(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	codebase, err := s.store.GetCodebase(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	templates, err := commands.Load(codebase.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	codebase.Commands = templates
	if err := s.store.UpdateCodebase(r.Context(), codebase); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"codebase": codebase.Name,
		"commands": len(templates),
	})
}

// patchString applies a string value from a JSON patch map to the target if
// the key is present and non-empty.
func patchString(patch map[string]any, key string, target *string) {
	if v, ok := patch[key]; ok {
		if str, ok := v.(string); ok && str != "" {
			*target = str
		}
	}
}

// --- Conversations ---

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	codebaseID := r.URL.Query().Get("codebase_id")
	conversations, err := s.store.ListConversations(r.Context(), codebaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := s.store.ListSessions(r.Context(), conversationID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
