package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxAttachmentBytes = 10 << 20

type Config struct {
	// Domain is the platform host; BaseURL overrides the derived https URL.
	Domain       string
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// HTTPClient is the transport for token and profile calls; nil uses the default.
	HTTPClient     *http.Client
	ReconnectDelay time.Duration
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client is the bot's connection to the platform. REST calls authenticate
// with the bot's client-credentials token.
type Client struct {
	baseURL        string
	http           *http.Client
	plain          *http.Client
	tokens         oauth2.TokenSource
	dialer         *websocket.Dialer
	logger         logr.Logger
	reconnectDelay time.Duration

	mu     sync.RWMutex
	selfID string
}

// New builds a client. ctx scopes token refreshes and must outlive the client.
func New(ctx context.Context, cfg Config, logger logr.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://" + cfg.Domain
	}
	plain := cfg.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: 30 * time.Second}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, plain)

	credentials := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/oauth/token",
		Scopes:       cfg.Scopes,
	}
	tokens := credentials.TokenSource(ctx)
	authed := oauth2.NewClient(ctx, tokens)
	authed.Timeout = 30 * time.Second

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Client{
		baseURL:        base,
		http:           authed,
		plain:          plain,
		tokens:         tokens,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         logger.WithName("gateway"),
		reconnectDelay: delay,
	}
}

// Endpoint is the platform's OAuth2 endpoint for user logins.
func (c *Client) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  c.baseURL + "/oauth/authorize",
		TokenURL: c.baseURL + "/oauth/token",
	}
}

// Logon resolves the bot's own user id so its own messages can be ignored.
func (c *Client) Logon(ctx context.Context) error {
	var profile User
	if err := c.doJSON(ctx, c.http, http.MethodGet, "/rest/v2/users/profile", nil, "", &profile); err != nil {
		return fmt.Errorf("gateway: logon: %w", err)
	}
	c.mu.Lock()
	c.selfID = profile.UserID
	c.mu.Unlock()
	c.logger.Info("logged on", "userId", profile.UserID)
	return nil
}

func (c *Client) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

func (c *Client) GetConversation(ctx context.Context, convID string) (Conversation, error) {
	var conv Conversation
	err := c.doJSON(ctx, c.http, http.MethodGet, "/rest/v2/conversations/"+url.PathEscape(convID), nil, "", &conv)
	return conv, err
}

// GetConversationsByIDs fetches several conversations in one call.
func (c *Client) GetConversationsByIDs(ctx context.Context, convIDs []string) ([]Conversation, error) {
	if len(convIDs) == 0 {
		return nil, nil
	}
	query := url.Values{"ids": {strings.Join(convIDs, ",")}}
	var convs []Conversation
	err := c.doJSON(ctx, c.http, http.MethodGet, "/rest/v2/conversations?"+query.Encode(), nil, "", &convs)
	return convs, err
}

func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := c.doJSON(ctx, c.http, http.MethodGet, "/rest/v2/users/"+url.PathEscape(userID), nil, "", &user)
	return user, err
}

// GetUserProfile returns the profile of whoever owns accessToken; used after
// a browser login.
func (c *Client) GetUserProfile(ctx context.Context, accessToken string) (User, error) {
	var user User
	client := &http.Client{
		Timeout:   c.plain.Timeout,
		Transport: &oauth2.Transport{Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}), Base: c.plain.Transport},
	}
	err := c.doJSON(ctx, client, http.MethodGet, "/rest/v2/users/profile", nil, "", &user)
	return user, err
}

// AddTextItem posts a message, as a reply when item.ParentID is set.
func (c *Client) AddTextItem(ctx context.Context, convID string, item TextItem) (Item, error) {
	form, err := c.itemForm(ctx, item)
	if err != nil {
		return Item{}, err
	}
	path := "/rest/v2/conversations/" + url.PathEscape(convID) + "/messages"
	if item.ParentID != "" {
		path += "/" + url.PathEscape(item.ParentID)
	}
	var posted Item
	err = c.doJSON(ctx, c.http, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &posted)
	return posted, err
}

// UpdateTextItem replaces the content (and attachments) of item.ItemID.
func (c *Client) UpdateTextItem(ctx context.Context, item TextItem) error {
	if item.ItemID == "" {
		return fmt.Errorf("gateway: update text item: item id is required")
	}
	form, err := c.itemForm(ctx, item)
	if err != nil {
		return err
	}
	path := "/rest/v2/conversations/messages/" + url.PathEscape(item.ItemID)
	return c.doJSON(ctx, c.http, http.MethodPut, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil)
}

// FetchAttachment downloads an attachment URL with the bot's credentials.
func (c *Client) FetchAttachment(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: attachment request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return nil, fmt.Errorf("gateway: read attachment: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Method: http.MethodGet, Path: req.URL.Path, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) itemForm(ctx context.Context, item TextItem) (url.Values, error) {
	form := url.Values{"content": {item.Content}}
	if len(item.Attachments) == 0 {
		return form, nil
	}
	ids := make([]string, 0, len(item.Attachments))
	for _, file := range item.Attachments {
		id, err := c.uploadFile(ctx, file)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	form.Set("attachments", strings.Join(ids, ","))
	return form, nil
}

func (c *Client) uploadFile(ctx context.Context, file File) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", file.Name)
	if err != nil {
		return "", fmt.Errorf("gateway: upload %s: %w", file.Name, err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return "", fmt.Errorf("gateway: upload %s: %w", file.Name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("gateway: upload %s: %w", file.Name, err)
	}

	var uploaded []struct {
		FileID string `json:"fileId"`
	}
	if err := c.doJSON(ctx, c.http, http.MethodPost, "/rest/v2/fileapi", &body, writer.FormDataContentType(), &uploaded); err != nil {
		return "", err
	}
	if len(uploaded) == 0 || uploaded[0].FileID == "" {
		return "", fmt.Errorf("gateway: upload %s: no file id returned", file.Name)
	}
	return uploaded[0].FileID, nil
}

func (c *Client) doJSON(ctx context.Context, client *http.Client, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: req.URL.Path, Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode %s %s: %w", method, req.URL.Path, err)
	}
	return nil
}
