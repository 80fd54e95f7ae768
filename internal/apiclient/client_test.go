package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/roomhub"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestSignInStoresToken(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/signin":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "alice@example.com", body["email"])
			_, _ = io.WriteString(w, `{"token":"tok-1","userId":"usr_1","userName":"alice@example.com","organizationId":"org_1"}`)
		case "/api/contracts":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, `{"contracts":[{"id":"c1","filename":"msa.txt"}]}`)
		}
	})

	sess, err := c.SignIn(context.Background(), "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "usr_1", sess.UserID)
	assert.Equal(t, "org_1", sess.OrgID)
	assert.Equal(t, "tok-1", c.Token())

	contracts, err := c.ListContracts(context.Background())
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "msa.txt", contracts[0].Filename)
}

func TestGetVersion(t *testing.T) {
	var paths []string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = io.WriteString(w, `{
			"version":{"id":"v1","contractId":"c1","versionNumber":1,"fullText":"Hello world"},
			"suggestions":[{"id":"s1","span":{"start":"x","end":5},"status":"suggested"}],
			"comments":[{"id":"cm1","span":{"start":6,"end":11},"commentText":"ok"}]
		}`)
	})

	detail, err := c.GetVersion(context.Background(), "c1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", detail.Version.FullText)
	require.Len(t, detail.Suggestions, 1)
	assert.False(t, detail.Suggestions[0].Span.Start.Valid)
	assert.Equal(t, 11, detail.Comments[0].Span.End.Value)

	_, err = c.GetVersion(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/contracts/c1/versions/v1", "/api/contracts/c1/versions/latest"}, paths)
}

func TestSuggestionAPI(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/contracts/c1/versions/v1/suggestions/s1", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "accepted", body["status"])
		_, _ = io.WriteString(w, `{"id":"s1","status":"accepted"}`)
	})

	err := c.Suggestions("c1", "v1").UpdateStatus(context.Background(), "s1", contract.StatusAccepted)
	assert.NoError(t, err)
}

func TestErrorsCarryAPIBody(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"SUGGESTION_RESOLVED","error":"Suggestion already resolved","details":null}`)
	})

	_, err := c.UpdateSuggestionStatus(context.Background(), "c1", "v1", "s1", contract.StatusRejected)
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "SUGGESTION_RESOLVED", apiErr.Code)
	assert.Equal(t, "Suggestion already resolved", apiErr.Message)
	assert.Equal(t, http.StatusConflict, StatusOf(err))
}

func TestErrorsWithoutBody(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.GenerateClause(context.Background(), "x")
	assert.Equal(t, http.StatusBadGateway, StatusOf(err))
	assert.Contains(t, err.Error(), "Bad Gateway")
	assert.Equal(t, 0, StatusOf(context.Canceled))
}

func TestCreateCommentAndGenerate(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/contracts/c1/versions/v1/comments":
			var body struct {
				Span        contract.Span `json:"span"`
				CommentText string        `json:"commentText"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 2, body.Span.Start.Value)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":"cm_1","span":{"start":2,"end":4},"commentText":"why?"}`)
		case "/api/clauses/generate":
			_, _ = io.WriteString(w, `{"text":"The parties agree..."}`)
		}
	})

	comment, err := c.CreateComment(context.Background(), "c1", "v1", contract.NewSpan(2, 4), "why?")
	require.NoError(t, err)
	assert.Equal(t, "cm_1", comment.ID)

	text, err := c.GenerateClause(context.Background(), "confidentiality")
	require.NoError(t, err)
	assert.Equal(t, "The parties agree...", text)
}

func TestExport(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pdf", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.4")
	})
	data, contentType, err := c.Export(context.Background(), "c1", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", contentType)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestSubscribeReceivesRoomEvents(t *testing.T) {
	hub := roomhub.New(zerolog.Nop())
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-9", r.URL.Query().Get("access_token"))
		_ = hub.Serve(w, r, "c1", &websocket.AcceptOptions{InsecureSkipVerify: true})
	})
	c.SetToken("tok-9")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan RoomEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "c1", func(ev RoomEvent) {
			got <- ev
			cancel()
		})
	}()

	require.Eventually(t, func() bool { return hub.Count("c1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Broadcast("c1", roomhub.Event{Type: roomhub.EventNewComment, Data: map[string]string{"id": "cm_1"}}))

	ev := <-got
	assert.Equal(t, roomhub.EventNewComment, ev.Type)
	assert.JSONEq(t, `{"id":"cm_1"}`, string(ev.Data))
	<-done
}
