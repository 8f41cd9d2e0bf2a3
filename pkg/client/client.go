package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to a deployr hook server.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout bounds a whole request including the run it triggers, so it
	// should exceed the slowest pipeline.
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 15 * time.Minute,
	}
}

// New creates a hook server client. A broken TLS setup is returned as an
// error rather than silently falling back to the system roots.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server answers the status endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/service/status")
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	_ = resp.Body.Close()
	reachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("server reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Hook runs the pipeline for event (pre-deploy, post-update or
// post-rollback) on the server.
func (c *Client) Hook(ctx context.Context, event string) (*RunResult, error) {
	c.logger.Debug("triggering hook", "event", event)
	var res RunResult
	if err := c.call(ctx, http.MethodPost, "/hooks/"+url.PathEscape(event), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Service sends start, stop, restart or reload to the init script.
func (c *Client) Service(ctx context.Context, verb string) (*RunResult, error) {
	c.logger.Debug("service command", "verb", verb)
	var res RunResult
	if err := c.call(ctx, http.MethodPost, "/service/"+url.PathEscape(verb), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Status(ctx context.Context) (*ServiceStatus, error) {
	var st ServiceStatus
	if err := c.call(ctx, http.MethodGet, "/service/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// InitScript fetches the init script the server would install.
func (c *Client) InitScript(ctx context.Context) (*InitScript, error) {
	resp, err := c.do(ctx, http.MethodGet, "/init-script")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &InitScript{Path: resp.Header.Get("X-Deployr-Path"), Content: body}, nil
}

// History lists recorded events, newest first.
func (c *Client) History(ctx context.Context, q HistoryQuery) ([]HistoryEvent, error) {
	v := url.Values{}
	if q.Application != "" {
		v.Set("application", q.Application)
	}
	if q.Environment != "" {
		v.Set("environment", q.Environment)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	p := "/history"
	if len(v) > 0 {
		p += "?" + v.Encode()
	}
	var events []HistoryEvent
	if err := c.call(ctx, http.MethodGet, p, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath) // #nosec G304 operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// call performs a request and decodes a JSON body into out.
func (c *Client) call(ctx context.Context, method, path string, out any) error {
	resp, err := c.do(ctx, method, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: body.Error, Event: body.Event, Step: body.Step}
	if body.Message != "" {
		apiErr.Message = body.Error + ": " + body.Message
	}
	c.logger.Error("API request failed", "error", apiErr.Message, "step", apiErr.Step, "status", resp.StatusCode)
	return apiErr
}
