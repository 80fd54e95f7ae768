// Package apiclient talks to the negotiation API on behalf of a
// collaborative client.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/suggestion"
)

// Error is a non-2xx reply from the API.
type Error struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Session is the result of signing in.
type Session struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	UserName     string `json:"userName"`
	UserID       string `json:"userId"`
	Role         string `json:"role"`
	OrgID        string `json:"organizationId"`
}

type Client struct {
	base string
	do   func(*http.Request) (*http.Response, error)

	mu    sync.RWMutex
	token string
}

func New(baseURL string) *Client {
	hc := &http.Client{Timeout: 90 * time.Second}
	return &Client{base: strings.TrimRight(baseURL, "/"), do: hc.Do}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.do = hc.Do
	return c
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SignIn exchanges credentials for a session and keeps its access token.
func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	var out Session
	err := c.call(ctx, http.MethodPost, "/api/auth/signin", map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return Session{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

func (c *Client) ListContracts(ctx context.Context) ([]contract.Contract, error) {
	var out struct {
		Contracts []contract.Contract `json:"contracts"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/contracts", nil, &out); err != nil {
		return nil, err
	}
	return out.Contracts, nil
}

// GetVersion loads a version with its suggestions and comments. An empty
// versionID selects the latest version.
func (c *Client) GetVersion(ctx context.Context, contractID, versionID string) (contract.VersionDetail, error) {
	path := "/api/contracts/" + url.PathEscape(contractID) + "/versions/"
	if versionID == "" {
		path += "latest"
	} else {
		path += url.PathEscape(versionID)
	}
	var out contract.VersionDetail
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return contract.VersionDetail{}, err
	}
	return out, nil
}

func (c *Client) UpdateSuggestionStatus(ctx context.Context, contractID, versionID, suggestionID string, status contract.Status) (contract.AnalysisSuggestion, error) {
	path := versionPath(contractID, versionID) + "/suggestions/" + url.PathEscape(suggestionID)
	var out contract.AnalysisSuggestion
	if err := c.call(ctx, http.MethodPatch, path, map[string]contract.Status{"status": status}, &out); err != nil {
		return contract.AnalysisSuggestion{}, err
	}
	return out, nil
}

func (c *Client) CreateComment(ctx context.Context, contractID, versionID string, span contract.Span, text string) (contract.UserComment, error) {
	body := struct {
		Span        contract.Span `json:"span"`
		CommentText string        `json:"commentText"`
	}{span, text}
	var out contract.UserComment
	if err := c.call(ctx, http.MethodPost, versionPath(contractID, versionID)+"/comments", body, &out); err != nil {
		return contract.UserComment{}, err
	}
	return out, nil
}

func (c *Client) GenerateClause(ctx context.Context, prompt string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/clauses/generate", map[string]string{"prompt": prompt}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// Export downloads the contract with resolved suggestions applied.
// format is text, html or pdf.
func (c *Client) Export(ctx context.Context, contractID, format string) ([]byte, string, error) {
	path := "/api/contracts/" + url.PathEscape(contractID) + "/export?format=" + url.QueryEscape(format)
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read export: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Suggestions binds the suggestion status endpoint of one version to the
// suggestion.API interface.
func (c *Client) Suggestions(contractID, versionID string) suggestion.API {
	return suggestionAPI{client: c, contractID: contractID, versionID: versionID}
}

type suggestionAPI struct {
	client     *Client
	contractID string
	versionID  string
}

func (a suggestionAPI) UpdateStatus(ctx context.Context, id string, status contract.Status) error {
	_, err := a.client.UpdateSuggestionStatus(ctx, a.contractID, a.versionID, id, status)
	return err
}

func versionPath(contractID, versionID string) string {
	return "/api/contracts/" + url.PathEscape(contractID) + "/versions/" + url.PathEscape(versionID)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Code    string `json:"code"`
		Error   string `json:"error"`
		Details any    `json:"details"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
		apiErr.Details = payload.Details
	}
	return nil, apiErr
}

// RoomEvent is one server push on a contract room.
type RoomEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscribe streams the contract's room events to fn until ctx ends or the
// server closes the connection.
func (c *Client) Subscribe(ctx context.Context, contractID string, fn func(RoomEvent)) error {
	u, err := url.Parse(c.base + "/api/rooms/" + url.PathEscape(contractID) + "/events")
	if err != nil {
		return fmt.Errorf("room url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("access_token", c.Token())
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode/100 != 1 {
			return &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("dial room events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var ev RoomEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read room event: %w", err)
		}
		fn(ev)
	}
}
