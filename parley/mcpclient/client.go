// Package mcpclient provides an MCP client wrapper for CLI commands.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/relaybox/parley/config"
)

const (
	DefaultMCPURL = "http://127.0.0.1:9129/mcp"
	ClientTimeout = 30 * time.Second
)

// URLForPort returns the MCP endpoint of a server on the local port.
func URLForPort(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", port)
}

// Client wraps the MCP client for CLI usage.
type Client struct {
	mcpClient *client.Client
	mcpURL    string
}

// New creates a new MCP client and connects to the server. Uses DefaultMCPURL if mcpURL is empty.
func New(ctx context.Context, mcpURL string) (*Client, error) {
	if mcpURL == "" {
		mcpURL = DefaultMCPURL
	}

	httpClient := &http.Client{
		Timeout: ClientTimeout,
	}

	mcpClient, err := client.NewStreamableHttpClient(mcpURL,
		transport.WithHTTPBasicClient(httpClient),
	)
	if err != nil {
		return nil, formatConnectionError(mcpURL, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "parley-cli",
		Version: config.Version,
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return nil, formatConnectionError(mcpURL, err)
	}

	return &Client{
		mcpClient: mcpClient,
		mcpURL:    mcpURL,
	}, nil
}

// Close closes the MCP client connection.
func (c *Client) Close() error {
	if c.mcpClient != nil {
		return c.mcpClient.Close()
	}
	return nil
}

// CallTool calls an MCP tool and returns the raw result. Tool error results are returned as errors.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	result, err := c.mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, translateTimeoutError(err)
	} else if result.IsError {
		return nil, errors.New(extractTextContent(result.Content))
	}
	return result, nil
}

// CallToolJSON calls an MCP tool and unmarshals the JSON result into dest.
func (c *Client) CallToolJSON(ctx context.Context, name string, args map[string]interface{}, dest interface{}) error {
	result, err := c.CallTool(ctx, name, args)
	if err != nil {
		return fmt.Errorf("call tool %s: %w", name, err)
	}
	text := extractTextContent(result.Content)
	if err := json.Unmarshal([]byte(text), dest); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// extractTextContent extracts text from MCP content items.
func extractTextContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// isContextStopError returns a user-friendly message for context errors, or empty string.
func isContextStopError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return ""
}

// formatConnectionError formats connection errors with actionable messages.
func formatConnectionError(mcpURL string, err error) error {
	if msg := isContextStopError(err); msg != "" {
		return fmt.Errorf("connection to MCP server at %s %s", mcpURL, msg)
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") || strings.Contains(errStr, "dial tcp") {
		return fmt.Errorf("cannot connect to MCP server at %s\nStart the relay with: parley serve --upstream host:port", mcpURL)
	}

	return fmt.Errorf("MCP connection failed: %w", err)
}

// translateTimeoutError translates MCP errors to user-friendly messages.
func translateTimeoutError(err error) error {
	if err == nil {
		return nil
	}

	if msg := isContextStopError(err); msg != "" {
		return fmt.Errorf("request %s", msg)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return errors.New("parley is not running. Start with: parley serve --upstream host:port")
	}
	return err
}

// ResolveURL picks the endpoint for CLI commands: an explicit URL wins,
// then the mcp_port of the config at configPath, then DefaultMCPURL.
func ResolveURL(explicit, configPath string) string {
	if explicit != "" {
		return explicit
	}
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	if cfg, err := config.Load(configPath); err == nil && cfg.MCPPort > 0 {
		return URLForPort(cfg.MCPPort)
	}
	return DefaultMCPURL
}
