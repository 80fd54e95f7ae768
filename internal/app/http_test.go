package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestServer(env *testEnv) http.Handler {
	return NewHTTPServer(env.svc, "*", zerolog.Nop()).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(newTestEnv())
	rr, payload := doJSON(t, handler, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health = %d %v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv()
	handler := newTestServer(env)

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("ready = %d %v", rr.Code, payload)
	}

	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr, payload = doJSON(t, handler, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable || payload["status"] != "not_ready" {
		t.Fatalf("ready with db down = %d %v", rr.Code, payload)
	}
	checks, _ := payload["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["error"] != "connection refused" {
		t.Fatalf("unexpected database check: %v", checks)
	}
}

func TestSessionLoginReturnsSession(t *testing.T) {
	handler := newTestServer(newTestEnv())

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/session/login", "", `{"name":"  Avery  "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["token"].(string)
	if token == "" || payload["refreshToken"] == "" || payload["userName"] != "Avery" || payload["organizationId"] == "" {
		t.Fatalf("unexpected login payload: %v", payload)
	}

	_, session := doJSON(t, handler, http.MethodGet, "/api/session", token, "")
	if session["authenticated"] != true || session["userName"] != "Avery" {
		t.Fatalf("unexpected session: %v", session)
	}

	_, anonymous := doJSON(t, handler, http.MethodGet, "/api/session", "", "")
	if anonymous["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %v", anonymous)
	}
}

func TestSessionLoginRejectsInvalidBody(t *testing.T) {
	handler := newTestServer(newTestEnv())
	rr, payload := doJSON(t, handler, http.MethodPost, "/api/session/login", "", `{"name":`)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected 400 INVALID_BODY, got %d %v", rr.Code, payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestServer(newTestEnv())
	for _, path := range []string{"/api/contracts", "/api/search?q=fees", "/api/contracts/ctr-1/versions/latest"} {
		rr, payload := doJSON(t, handler, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: expected 401, got %d %v", path, rr.Code, payload)
		}
	}
	rr, _ := doJSON(t, handler, http.MethodGet, "/api/contracts", "not-a-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestSignUpAndSignInEndpoints(t *testing.T) {
	handler := newTestServer(newTestEnv())

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "",
		`{"email":"dana@acme.test","password":"long enough","displayName":"Dana","organizationName":"Acme"}`)
	if rr.Code != http.StatusCreated || payload["role"] != "admin" {
		t.Fatalf("signup = %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/signup", "",
		`{"email":"dana@acme.test","password":"long enough","organizationName":"Acme"}`)
	if rr.Code != http.StatusConflict || payload["code"] != "EMAIL_EXISTS" {
		t.Fatalf("duplicate signup = %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/signup", "",
		`{"email":"kim@acme.test","password":"short","organizationName":"Acme"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("weak password signup = %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", `{"email":"dana@acme.test","password":"long enough"}`)
	if rr.Code != http.StatusOK || payload["userName"] != "Dana" {
		t.Fatalf("signin = %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", `{"email":"dana@acme.test","password":"wrong answer"}`)
	if rr.Code != http.StatusUnauthorized || payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("bad signin = %d %v", rr.Code, payload)
	}
}

func TestRefreshAndLogoutEndpoints(t *testing.T) {
	handler := newTestServer(newTestEnv())
	_, login := doJSON(t, handler, http.MethodPost, "/api/session/login", "", `{"name":"Avery"}`)
	token := login["token"].(string)
	refresh := login["refreshToken"].(string)

	rr, rotated := doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+refresh+`"}`)
	if rr.Code != http.StatusOK || rotated["refreshToken"] == refresh {
		t.Fatalf("refresh = %d %v", rr.Code, rotated)
	}
	rr, _ = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+refresh+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token = %d", rr.Code)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/session/logout", token, `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout = %d", rr.Code)
	}
	rr, _ = doJSON(t, handler, http.MethodGet, "/api/contracts", token, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token = %d", rr.Code)
	}
}

func TestVersionEndpointServesSegments(t *testing.T) {
	env := newTestEnv()
	session, view := env.seed(t, "Avery")
	handler := newTestServer(env)

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/contracts/"+view.Contract.ID+"/versions/latest", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	version, _ := payload["version"].(map[string]any)
	if version["fullText"] != testAgreement {
		t.Fatalf("unexpected version: %v", version)
	}
	segments, _ := payload["segments"].([]any)
	if len(segments) < 2 {
		t.Fatalf("expected segments, got %v", payload["segments"])
	}
	suggestions, _ := payload["suggestions"].([]any)
	first, _ := suggestions[0].(map[string]any)
	span, _ := first["span"].(map[string]any)
	if span["start"] != float64(strings.Index(testAgreement, "60 days")) {
		t.Fatalf("unexpected span: %v", span)
	}

	rr, payload = doJSON(t, handler, http.MethodGet, "/api/contracts/"+view.Contract.ID+"/versions/ver-missing", session.Token, "")
	if rr.Code != http.StatusNotFound || payload["code"] != "VERSION_NOT_FOUND" {
		t.Fatalf("missing version = %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodGet, "/api/contracts", session.Token, "")
	contracts, _ := payload["contracts"].([]any)
	if rr.Code != http.StatusOK || len(contracts) != 1 {
		t.Fatalf("list = %d %v", rr.Code, payload)
	}
}

func TestSuggestionEndpointResolvesOnce(t *testing.T) {
	env := newTestEnv()
	session, view := env.seed(t, "Avery")
	handler := newTestServer(env)
	path := "/api/contracts/" + view.Contract.ID + "/versions/" + view.Version.ID + "/suggestions/" + view.Suggestions[0].ID

	rr, payload := doJSON(t, handler, http.MethodPatch, path, session.Token, `{"status":"accepted"}`)
	if rr.Code != http.StatusOK || payload["status"] != "accepted" {
		t.Fatalf("accept = %d %v", rr.Code, payload)
	}
	if len(env.rooms.sent()) != 1 {
		t.Fatalf("expected one room event")
	}

	rr, payload = doJSON(t, handler, http.MethodPatch, path, session.Token, `{"status":"rejected"}`)
	if rr.Code != http.StatusConflict || payload["code"] != "SUGGESTION_RESOLVED" {
		t.Fatalf("second resolve = %d %v", rr.Code, payload)
	}
	details, _ := payload["details"].(map[string]any)
	if details["status"] != "accepted" {
		t.Fatalf("expected current status in details, got %v", payload["details"])
	}
}

func TestViewerCannotResolveSuggestions(t *testing.T) {
	env := newTestEnv()
	session, view := env.seed(t, "Avery")
	env.store.setRole(session.UserID, "viewer")
	handler := newTestServer(env)
	path := "/api/contracts/" + view.Contract.ID + "/versions/" + view.Version.ID + "/suggestions/" + view.Suggestions[0].ID

	rr, payload := doJSON(t, handler, http.MethodPatch, path, session.Token, `{"status":"accepted"}`)
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("viewer resolve = %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/contracts/"+view.Contract.ID+"/versions/"+view.Version.ID+"/comments",
		session.Token, `{"span":{"start":4,"end":12},"commentText":"Who is this?"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("viewer comment = %d", rr.Code)
	}
}

func TestCommentEndpoint(t *testing.T) {
	env := newTestEnv()
	session, view := env.seed(t, "Avery")
	handler := newTestServer(env)
	path := "/api/contracts/" + view.Contract.ID + "/versions/" + view.Version.ID + "/comments"

	rr, payload := doJSON(t, handler, http.MethodPost, path, session.Token, `{"span":{"start":23,"end":31},"commentText":"Which fees?"}`)
	if rr.Code != http.StatusCreated || payload["commentText"] != "Which fees?" || payload["authorId"] != session.UserID {
		t.Fatalf("comment = %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, path, session.Token, `{"span":{"start":"4","end":12},"commentText":"Bad span"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("string offset = %d %v", rr.Code, payload)
	}
}

func TestCrossOrganizationAccessIsForbidden(t *testing.T) {
	env := newTestEnv()
	_, view := env.seed(t, "Avery")
	handler := newTestServer(env)

	_, outsider := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "",
		`{"email":"jamie@other.test","password":"long enough","organizationName":"Other LLP"}`)
	token, _ := outsider["token"].(string)

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/contracts/"+view.Contract.ID, token, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("cross-org read = %d %v", rr.Code, payload)
	}
	rr, payload = doJSON(t, handler, http.MethodGet, "/api/contracts/ctr-nope", token, "")
	if rr.Code != http.StatusNotFound || payload["code"] != "CONTRACT_NOT_FOUND" {
		t.Fatalf("missing contract = %d %v", rr.Code, payload)
	}
}

func TestClauseEndpointValidatesPrompt(t *testing.T) {
	env := newTestEnv()
	session, _ := env.seed(t, "Avery")
	env.svc.clauses = fakeClauses{generateFn: func(_ context.Context, prompt string) (string, error) {
		return "Clause for " + prompt, nil
	}}
	handler := newTestServer(env)

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/clauses/generate", session.Token, `{"prompt":"  "}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank prompt = %d %v", rr.Code, payload)
	}
	rr, payload = doJSON(t, handler, http.MethodPost, "/api/clauses/generate", session.Token, `{"prompt":"mutual NDA"}`)
	if rr.Code != http.StatusOK || payload["text"] != "Clause for mutual NDA" {
		t.Fatalf("generate = %d %v", rr.Code, payload)
	}
}

func TestExportEndpointWritesFile(t *testing.T) {
	env := newTestEnv()
	session, view := env.seed(t, "Avery")
	handler := newTestServer(env)

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/"+view.Contract.ID+"/export?format=text", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("export = %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "msa-v1.txt") {
		t.Fatalf("content disposition = %q", rr.Header().Get("Content-Disposition"))
	}
	if rr.Body.String() != testAgreement {
		t.Fatalf("export body = %q", rr.Body.String())
	}
}

func TestSyncEndpointRequiresToken(t *testing.T) {
	env := newTestEnv()
	_, view := env.seed(t, "Avery")
	handler := newTestServer(env)
	body := `{"sessionId":"sync-9","contractId":"` + view.Contract.ID + `","snapshot":"Edited text."}`

	rr, _ := doJSON(t, handler, http.MethodPost, "/api/internal/sync/session-ended", "", body)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing sync token = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/internal/sync/session-ended", strings.NewReader(body))
	req.Header.Set(syncTokenHeader, "sync-secret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("sync = %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["flushCommit"] == nil || payload["sessionId"] != "sync-9" {
		t.Fatalf("unexpected sync payload: %v", payload)
	}
}

func TestRoomEventsAcceptQueryToken(t *testing.T) {
	env := newTestEnv()
	session, view := env.seed(t, "Avery")
	handler := newTestServer(env)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/"+view.Contract.ID+"/events?access_token="+session.Token, nil)
	req.Header.Set("Upgrade", "websocket")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusSwitchingProtocols {
		t.Fatalf("room upgrade = %d body=%s", rr.Code, rr.Body.String())
	}

	// Query tokens are only honoured on upgrades.
	plain := httptest.NewRequest(http.MethodGet, "/api/contracts?access_token="+session.Token, nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, plain)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("query token on plain request = %d", rr.Code)
	}

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/rooms/"+view.Contract.ID+"/presence", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("presence = %d %v", rr.Code, payload)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	env := newTestEnv()
	session, _ := env.seed(t, "Avery")
	rr, payload := doJSON(t, newTestServer(env), http.MethodGet, "/api/proposals", session.Token, "")
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("unknown route = %d %v", rr.Code, payload)
	}
}
