// Package management talks to the RabbitMQ management HTTP API. It is
// used to look up client connections and to force-close them, which is
// the easiest way to make a live broker drop a connection on purpose.
package management

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	defaultManagementPort    = "15672"
	defaultManagementTLSPort = "15671"
	defaultTimeout           = 10 * time.Second
)

// ConnectionInfo describes a client connection as seen by the broker
type ConnectionInfo struct {
	Name               string
	ClientProvidedName string
	User               string
	VHost              string
	State              string
	Channels           int
	ConnectedAt        time.Time
}

// Client is a minimal management API client
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithManagementURL overrides the API base URL derived from the AMQP URL,
// e.g. "http://localhost:15672/api"
func WithManagementURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the broker behind amqpURL. Credentials
// are taken from the URL and default to guest/guest.
func NewClient(amqpURL string, options ...Option) (*Client, error) {
	u, err := url.Parse(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid AMQP URL: %w", err)
	}

	c := &Client{
		username:   "guest",
		password:   "guest",
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
	}
	if u.User != nil {
		c.username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			c.password = p
		}
	}

	scheme, port := "http", defaultManagementPort
	if u.Scheme == "amqps" {
		scheme, port = "https", defaultManagementTLSPort
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	c.baseURL = fmt.Sprintf("%s://%s:%s/api", scheme, host, port)

	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// ListConnections returns every client connection known to the broker
func (c *Client) ListConnections(ctx context.Context) ([]ConnectionInfo, error) {
	resp, err := c.request(ctx, http.MethodGet, "/connections", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var apiConnections []struct {
		Name             string `json:"name"`
		User             string `json:"user"`
		VHost            string `json:"vhost"`
		State            string `json:"state"`
		Channels         int    `json:"channels"`
		ConnectedAt      int64  `json:"connected_at"`
		ClientProperties struct {
			ConnectionName string `json:"connection_name"`
		} `json:"client_properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiConnections); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	connections := make([]ConnectionInfo, len(apiConnections))
	for i, conn := range apiConnections {
		connections[i] = ConnectionInfo{
			Name:               conn.Name,
			ClientProvidedName: conn.ClientProperties.ConnectionName,
			User:               conn.User,
			VHost:              conn.VHost,
			State:              conn.State,
			Channels:           conn.Channels,
		}
		if conn.ConnectedAt > 0 {
			connections[i].ConnectedAt = time.UnixMilli(conn.ConnectedAt)
		}
	}
	return connections, nil
}

// CloseConnection force-closes the named connection. The reason is sent
// to the client in the connection.close frame.
func (c *Client) CloseConnection(ctx context.Context, name, reason string) error {
	header := http.Header{}
	if reason != "" {
		header.Set("X-Reason", reason)
	}
	resp, err := c.request(ctx, http.MethodDelete, "/connections/"+url.PathEscape(name), header)
	if err != nil {
		return fmt.Errorf("failed to close connection %s: %w", name, err)
	}
	resp.Body.Close()

	c.logger.Info("connection closed through management API",
		zap.String("connection", name),
		zap.String("reason", reason))
	return nil
}

// CloseConnectionsNamed force-closes every connection whose client
// provided name is clientName and returns how many were closed
func (c *Client) CloseConnectionsNamed(ctx context.Context, clientName, reason string) (int, error) {
	connections, err := c.ListConnections(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, conn := range connections {
		if conn.ClientProvidedName != clientName {
			continue
		}
		if err := c.CloseConnection(ctx, conn.Name, reason); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// request makes an authenticated request to the management API
func (c *Client) request(ctx context.Context, method, endpoint string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &APIError{Method: method, Endpoint: endpoint, Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// APIError is returned for a management API response with an error status
type APIError struct {
	Method   string
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management API error: %s %s: %d %s", e.Method, e.Endpoint, e.Status, http.StatusText(e.Status))
}
