// Package api is the request/response companion of the socket session: it
// loads conversation history and posts user messages that start a turn.
package api

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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
	"github.com/zhouzirui/lunark-client/pkg/logger"
	"github.com/zhouzirui/lunark-client/pkg/utils"
)

// ErrUnauthorized means the backend rejected the session token.
var ErrUnauthorized = errors.New("api: unauthorized")

// Error is a non-2xx response. Message is the backend's own explanation
// when it supplied one.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// IdentitySource yields the credentials sent with every request.
type IdentitySource interface {
	Current() chat.Identity
}

// History is a conversation as returned by GET /api/chat/{id}.
type History struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	Title    string         `json:"title,omitempty"`
	Messages []chat.Message `json:"messages"`
}

// PostMessageRequest is the body of POST /api/message.
type PostMessageRequest struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
	ChainID int64  `json:"chainId"`
	UserID  string `json:"userId"`
}

// Options 请求客户端配置
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// OnTokenRefresh 在响应携带 x-new-token 时调用
	OnTokenRefresh func(token string)
	// OnUnauthorized 在收到 401 时调用
	OnUnauthorized func()
}

// Client talks to the backend's REST endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	identity   IdentitySource
	httpClient *http.Client
	onToken    func(string)
	onUnauth   func()
	log        *logrus.Entry
}

// New 创建 REST 客户端
func New(opts Options, identity IdentitySource) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		identity:   identity,
		httpClient: utils.NewHTTPClient(timeout),
		onToken:    opts.OnTokenRefresh,
		onUnauth:   opts.OnUnauthorized,
		log:        logger.WithComponent("api"),
	}
}

// FetchHistory loads the full history of chatID for the current user.
func (c *Client) FetchHistory(ctx context.Context, chatID string) (History, error) {
	id := c.identity.Current()
	query := url.Values{}
	query.Set("userId", id.UserID)
	endpoint := fmt.Sprintf("%s/api/chat/%s?%s", c.baseURL, url.PathEscape(chatID), query.Encode())

	var history History
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &history); err != nil {
		return History{}, fmt.Errorf("fetch history %s: %w", chatID, err)
	}

	for i := range history.Messages {
		msg := &history.Messages[i]
		msg.Role = chat.ParseRole(string(msg.Role))
		if msg.ConversationID == "" {
			msg.ConversationID = chatID
		}
	}
	return history, nil
}

// PostMessage submits a user message; the reply arrives over the socket.
func (c *Client) PostMessage(ctx context.Context, req PostMessageRequest) error {
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/message", req, nil); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	id := c.identity.Current()
	if id.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+id.SessionToken)
	}
	if id.UserID != "" {
		req.Header.Set("x-user-id", id.UserID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if token := resp.Header.Get("x-new-token"); token != "" && c.onToken != nil {
		c.log.Debug("session token rotated by backend")
		c.onToken(token)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if c.onUnauth != nil {
			c.onUnauth()
		}
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}
