package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/types"
)

const defaultHTTPTimeout = 10 * time.Second

// APIError is a non-2xx answer from the HTTP API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// RestClient calls the conversation endpoints of the HTTP API.
type RestClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewRestClient(baseURL, token string, hc *http.Client) *RestClient {
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &RestClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (rc *RestClient) Conversations(ctx context.Context) ([]types.Conversation, error) {
	var convs []types.Conversation
	if err := rc.do(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// StartConversation creates the conversation with the peer or returns the
// existing one.
func (rc *RestClient) StartConversation(ctx context.Context, peerId int) (types.Conversation, error) {
	var conv types.Conversation
	body := map[string]int{"participantId": peerId}
	if err := rc.do(ctx, http.MethodPost, "/api/conversations", body, &conv); err != nil {
		return conv, err
	}
	return conv, nil
}

// History returns up to limit messages older than before in chronological
// order. A zero before starts from the newest message.
func (rc *RestClient) History(ctx context.Context, conversationId string, before, limit int) ([]types.Message, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.Itoa(before))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/conversations/" + url.PathEscape(conversationId) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var msgs []types.Message
	if err := rc.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (rc *RestClient) Notifications(ctx context.Context) ([]types.Notification, error) {
	var ns []types.Notification
	if err := rc.do(ctx, http.MethodGet, "/api/notifications", nil, &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

func (rc *RestClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rc.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+rc.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := rc.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
