package app

import (
	"fmt"
	"net/http"
	"strings"

	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/rbac"
)

func (s *HTTPServer) handleContracts(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.service.ListContracts(r.Context(), session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contracts": items})
	case http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionUpload) {
			return
		}
		var body CreateContractInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateContract(r.Context(), session, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// handleContract serves /api/contracts/{id}/...; rest is the path after the id.
func (s *HTTPServer) handleContract(w http.ResponseWriter, r *http.Request, session Session, contractID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		item, err := s.service.GetContract(r.Context(), session, contractID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(rest) == 0 && r.Method == http.MethodPatch:
		if !s.allow(w, r, session, rbac.ActionNegotiate) {
			return
		}
		var body struct {
			NegotiationStatus string `json:"negotiationStatus"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.UpdateNegotiationStatus(r.Context(), session, contractID, body.NegotiationStatus)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(rest) == 1 && rest[0] == "versions" && r.Method == http.MethodGet:
		versions, err := s.service.ListVersions(r.Context(), session, contractID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})

	case len(rest) == 1 && rest[0] == "versions" && r.Method == http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionUpload) {
			return
		}
		var body CreateVersionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateVersion(r.Context(), session, contractID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)

	case len(rest) == 2 && rest[0] == "versions" && r.Method == http.MethodGet:
		view, err := s.service.GetVersion(r.Context(), session, contractID, rest[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(rest) == 4 && rest[0] == "versions" && rest[2] == "suggestions" &&
		(r.Method == http.MethodPatch || r.Method == http.MethodPost):
		if !s.allow(w, r, session, rbac.ActionNegotiate) {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.ResolveSuggestion(r.Context(), session, contractID, rest[1], rest[3], body.Status)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case len(rest) == 3 && rest[0] == "versions" && rest[2] == "comments" && r.Method == http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		var body struct {
			Span        contract.Span `json:"span"`
			CommentText string        `json:"commentText"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.AddComment(r.Context(), session, contractID, rest[1], body.Span, body.CommentText)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, comment)

	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionExport) {
			return
		}
		query := r.URL.Query()
		result, err := s.service.Export(r.Context(), session, contractID, query.Get("versionId"), query.Get("format"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		if result.URL != "" {
			w.Header().Set("X-Export-URL", result.URL)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	case len(rest) == 1 && rest[0] == "diff" && r.Method == http.MethodGet:
		query := r.URL.Query()
		payload, err := s.service.Diff(r.Context(), session, contractID, query.Get("from"), query.Get("to"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		commits, err := s.service.History(r.Context(), session, contractID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRoom(w http.ResponseWriter, r *http.Request, session Session, contractID, resource string) {
	switch {
	case resource == "presence" && r.Method == http.MethodGet:
		peers, err := s.service.Presence(r.Context(), session, contractID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"peers": peers})

	case resource == "events" && r.Method == http.MethodGet:
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			writeError(w, http.StatusUpgradeRequired, "UPGRADE_REQUIRED", "Websocket upgrade required", nil)
			return
		}
		err := s.service.ServeRoom(w, r, session, contractID)
		if err == nil {
			return
		}
		if errorCode(err) != "" {
			writeMappedError(w, err)
			return
		}
		// The connection is already hijacked once Serve runs.
		s.log.Debug().Err(err).Str("contract_id", contractID).Msg("room connection closed")

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
