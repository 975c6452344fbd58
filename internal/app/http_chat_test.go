package app

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"mychat/api/internal/export"
	"mychat/api/internal/realtime"
)

func TestCreateRoomValidatesAndPublishes(t *testing.T) {
	fs, alice, _ := chatFixture()
	pub := &fakePublisher{}
	svc := newTestService(fs, Deps{Publisher: pub})
	handler := NewHTTPServer(svc, "*").Handler()
	bearer := bearerFor(t, svc, alice)

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/rooms", bearer, map[string]string{"name": "  "})
	if rec.Code != http.StatusBadRequest || payload["error"] != "Room name is required" {
		t.Fatalf("expected 400, got %d %#v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/rooms", bearer, map[string]string{"name": "design", "description": "UI work"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	room, _ := payload["room"].(map[string]any)
	if room["name"] != "design" {
		t.Fatalf("unexpected room %#v", room)
	}
	if events := pub.named(realtime.EventRoomCreated); len(events) != 1 || events[0].Channel != realtime.LobbyChannel {
		t.Fatalf("expected room-created on the lobby, got %#v", events)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/rooms", bearer, map[string]string{"name": "general"})
	if rec.Code != http.StatusConflict || payload["code"] != "CONFLICT" {
		t.Fatalf("expected 409, got %d %#v", rec.Code, payload)
	}

	_, payload = doRequest(t, handler, http.MethodGet, "/api/rooms", bearer, nil)
	if rooms, _ := payload["rooms"].([]any); len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %#v", payload["rooms"])
	}
}

func TestSendMessageOverHTTP(t *testing.T) {
	fs, alice, bob := chatFixture()
	svc := newTestService(fs, Deps{})
	handler := NewHTTPServer(svc, "*").Handler()
	bearer := bearerFor(t, svc, alice)

	body := map[string]any{"roomId": 10, "message": "hi @Bob"}
	rec, payload := doRequest(t, handler, http.MethodPost, "/api/messages", bearer, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	first, _ := payload["message"].(map[string]any)
	mentions, _ := first["mentions"].([]any)
	if len(mentions) != 1 {
		t.Fatalf("expected one mention, got %#v", first["mentions"])
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/messages", bearer, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a repeated send, got %d", rec.Code)
	}
	second, _ := payload["message"].(map[string]any)
	if second["id"] != first["id"] {
		t.Fatalf("expected same message id, got %v and %v", first["id"], second["id"])
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/messages", bearer, map[string]any{"roomId": 10, "senderId": bob.ID, "message": "spoof"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign senderId, got %d", rec.Code)
	}

	_, payload = doRequest(t, handler, http.MethodGet, "/api/messages?roomId=10", bearer, nil)
	if messages, _ := payload["messages"].([]any); len(messages) != 1 {
		t.Fatalf("expected 1 message, got %#v", payload["messages"])
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/api/messages", bearer, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without roomId, got %d", rec.Code)
	}

	_, payload = doRequest(t, handler, http.MethodGet, "/api/mentions/counts", bearerFor(t, svc, bob), nil)
	rooms, _ := payload["rooms"].(map[string]any)
	if rooms["10"] != float64(1) {
		t.Fatalf("expected one unread mention in room 10, got %#v", payload)
	}
}

func TestDirectMessageAccess(t *testing.T) {
	fs, alice, bob := chatFixture()
	carol := fs.addUser(3, "Carol", "user")
	admin := fs.addUser(4, "Root", "admin")
	svc := newTestService(fs, Deps{})
	handler := NewHTTPServer(svc, "*").Handler()

	rec, _ := doRequest(t, handler, http.MethodPost, "/api/direct-messages", bearerFor(t, svc, alice), map[string]any{"receiverId": bob.ID, "message": "psst"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/direct-messages?userId=1&otherUserId=2", bearerFor(t, svc, carol), nil)
	if rec.Code != http.StatusForbidden || payload["error"] != "Access denied" {
		t.Fatalf("expected 403 for an outsider, got %d %#v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodGet, "/api/direct-messages?userId=1&otherUserId=2", bearerFor(t, svc, admin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected admin access, got %d", rec.Code)
	}
	if messages, _ := payload["messages"].([]any); len(messages) != 1 {
		t.Fatalf("expected 1 message, got %#v", payload["messages"])
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/api/direct-messages?userId=2", bearerFor(t, svc, bob), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without otherUserId, got %d", rec.Code)
	}
}

func TestAdminUserManagement(t *testing.T) {
	fs, alice, _ := chatFixture()
	admin := fs.addUser(4, "Root", "admin")
	svc := newTestService(fs, Deps{})
	handler := NewHTTPServer(svc, "*").Handler()
	adminBearer := bearerFor(t, svc, admin)

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/admin/users", bearerFor(t, svc, alice), map[string]string{"username": "Eve", "email": "eve@netnode.ag"})
	if rec.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 for a regular user, got %d %#v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/admin/users", adminBearer, map[string]string{"username": "Eve", "email": "eve@netnode.ag", "role": "superuser"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created, _ := payload["user"].(map[string]any)
	if created["role"] != "user" {
		t.Fatalf("expected unknown role to normalize to user, got %#v", created["role"])
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/admin/users", adminBearer, map[string]string{"username": "Eve 2", "email": "EVE@netnode.ag"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a taken email, got %d %#v", rec.Code, payload)
	}

	rec, _ = doRequest(t, handler, http.MethodPut, "/api/admin/users/1", adminBearer, map[string]string{"role": "admin"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d", rec.Code)
	}
	rec, _ = doRequest(t, handler, http.MethodPut, "/api/admin/users/1", adminBearer, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty update, got %d", rec.Code)
	}

	rec, payload = doRequest(t, handler, http.MethodDelete, "/api/admin/users/4", adminBearer, nil)
	if rec.Code != http.StatusBadRequest || payload["error"] != "Cannot delete your own account" {
		t.Fatalf("expected self-delete to fail, got %d %#v", rec.Code, payload)
	}
	rec, _ = doRequest(t, handler, http.MethodDelete, "/api/admin/users/2", adminBearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected delete to succeed, got %d", rec.Code)
	}
	rec, _ = doRequest(t, handler, http.MethodDelete, "/api/admin/users/2", adminBearer, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a deleted user, got %d", rec.Code)
	}
}

func TestUploadWithoutStorage(t *testing.T) {
	fs, alice, _ := chatFixture()
	svc := newTestService(fs, Deps{})
	handler := NewHTTPServer(svc, "*").Handler()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("file", "notes.txt")
	_, _ = part.Write([]byte("hello"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", bearerFor(t, svc, alice))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/api/download?url=x&filename=y", bearerFor(t, svc, alice), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for download, got %d", rec.Code)
	}
}

type fakeExporter struct {
	err  error
	last export.Request
}

func (e *fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	e.last = req
	if e.err != nil {
		return nil, e.err
	}
	return &export.Result{Data: []byte("<html></html>"), Filename: "general-transcript.html", MimeType: "text/html; charset=utf-8"}, nil
}

func TestExportRoom(t *testing.T) {
	fs, alice, _ := chatFixture()
	exporter := &fakeExporter{}
	svc := newTestService(fs, Deps{Export: exporter})
	handler := NewHTTPServer(svc, "*").Handler()
	bearer := bearerFor(t, svc, alice)

	rec, _ := doRequest(t, handler, http.MethodGet, "/api/rooms/10/export?threads=true", bearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="general-transcript.html"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if exporter.last.RoomID != 10 || !exporter.last.IncludeThreads || exporter.last.Format != export.FormatHTML {
		t.Fatalf("unexpected export request %#v", exporter.last)
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/api/rooms/10/export?format=odt", bearer, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown format, got %d", rec.Code)
	}

	exporter.err = export.ErrPDFDependencyMissing
	rec, payload := doRequest(t, handler, http.MethodGet, "/api/rooms/10/export?format=pdf", bearer, nil)
	if rec.Code != http.StatusServiceUnavailable || payload["code"] != "EXPORT_UNAVAILABLE" {
		t.Fatalf("expected 503 EXPORT_UNAVAILABLE, got %d %#v", rec.Code, payload)
	}

	unconfigured := NewHTTPServer(newTestService(fs, Deps{}), "*").Handler()
	rec, _ = doRequest(t, unconfigured, http.MethodGet, "/api/rooms/10/export", bearer, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without an exporter, got %d", rec.Code)
	}
}

func TestSearchValidatesPaging(t *testing.T) {
	fs, alice, _ := chatFixture()
	svc := newTestService(fs, Deps{Search: &recordingSearch{}})
	handler := NewHTTPServer(svc, "*").Handler()
	bearer := bearerFor(t, svc, alice)

	for _, path := range []string{"/api/search?q=hi&limit=0", "/api/search?q=hi&limit=101", "/api/search?q=hi&offset=-1"} {
		rec, _ := doRequest(t, handler, http.MethodGet, path, bearer, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	rec, payload := doRequest(t, handler, http.MethodGet, "/api/search?q=hi&limit=5", bearer, nil)
	if rec.Code != http.StatusOK || payload["total"] != float64(1) {
		t.Fatalf("expected one result, got %d %#v", rec.Code, payload)
	}
}
