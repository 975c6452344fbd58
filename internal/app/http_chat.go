package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.service.ListRooms(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	room, err := s.service.CreateRoom(r.Context(), body.Name, body.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"room": room})
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.service.ListMessages(r.Context(), r.URL.Query().Get("roomId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body SendMessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, created, err := s.service.SendMessage(r.Context(), sessionFrom(r), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, sendStatus(created), map[string]any{"message": message})
}

func (s *HTTPServer) handleThread(w http.ResponseWriter, r *http.Request) {
	parent, replies, err := s.service.Thread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parentMessage": parent, "replies": replies})
}

func (s *HTTPServer) handleListDirectMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	messages, err := s.service.ListDirectMessages(r.Context(), sessionFrom(r), query.Get("userId"), query.Get("otherUserId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleSendDirectMessage(w http.ResponseWriter, r *http.Request) {
	var body SendDirectMessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, created, err := s.service.SendDirectMessage(r.Context(), sessionFrom(r), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, sendStatus(created), map[string]any{"message": message})
}

// sendStatus is 201 for a stored message and 200 when an earlier identical
// send is returned.
func sendStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (s *HTTPServer) handleMentionCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.service.MentionCounts(r.Context(), sessionFrom(r).UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": counts.Rooms, "directMessages": counts.DirectMessages})
}

func (s *HTTPServer) handleMentionsRead(w http.ResponseWriter, r *http.Request) {
	var body MarkMentionsReadInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	updated, err := s.service.MarkMentionsRead(r.Context(), sessionFrom(r), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": updated})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := 20, 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer between 1 and 100", nil)
			return
		}
		limit = parsed
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be a non-negative integer", nil)
			return
		}
		offset = parsed
	}

	resp, err := s.service.Search(r.Context(), sessionFrom(r), query.Get("q"), query.Get("roomId"), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleExportRoom(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	includeThreads, _ := strconv.ParseBool(query.Get("threads"))
	result, err := s.service.ExportRoom(r.Context(), chi.URLParam(r, "id"), query.Get("format"), includeThreads)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}
