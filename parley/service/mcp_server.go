package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/go-appsec/relaybox/parley/config"
)

// mcpServer wraps the MCP server and its dependencies.
type mcpServer struct {
	server           *server.MCPServer
	streamableServer *server.StreamableHTTPServer
	httpServer       *http.Server
	listener         net.Listener
	service          *Server
	log              *zap.SugaredLogger
}

// newMCPServer creates a new MCP server instance.
func newMCPServer(svc *Server) *mcpServer {
	mcpSrv := server.NewMCPServer("parley", config.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	m := &mcpServer{
		server:  mcpSrv,
		service: svc,
		log:     svc.log.Named("mcp"),
	}

	m.addPluginTools()
	m.addConnTools()

	return m
}

// Start serves the streamable HTTP endpoint on loopback. A negative port binds a free one.
func (m *mcpServer) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", max(port, 0))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.listener = listener

	m.streamableServer = server.NewStreamableHTTPServer(m.server,
		server.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", m.streamableServer)

	m.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := m.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorw("mcp: server error", "error", err)
		}
	}()

	return nil
}

func (m *mcpServer) Addr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return ""
}

// Close stops the MCP server.
func (m *mcpServer) Close(ctx context.Context) error {
	var errs []error

	// Streaming connections never become idle, so Shutdown gets a short
	// window before the server is force closed.
	if m.httpServer != nil {
		shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := m.httpServer.Shutdown(shortCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			if closeErr := m.httpServer.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		} else if err != nil {
			errs = append(errs, err)
		}
	}

	if m.streamableServer != nil {
		if err := m.streamableServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *mcpServer) addPluginTools() {
	m.server.AddTool(m.pluginListTool(), m.handlePluginList)
	m.server.AddTool(m.pluginEnableTool(), m.handlePluginEnable)
	m.server.AddTool(m.pluginDisableTool(), m.handlePluginDisable)
	m.server.AddTool(m.pluginReloadTool(), m.handlePluginReload)
}

func (m *mcpServer) addConnTools() {
	m.server.AddTool(m.connListTool(), m.handleConnList)
	m.server.AddTool(m.connLogTool(), m.handleConnLog)
	m.server.AddTool(m.statusTool(), m.handleStatus)
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errorResult("failed to marshal response: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func errorResult(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// errorResultFromErr creates an error result with user-friendly timeout messages.
func errorResultFromErr(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(prefix + translateTimeoutError(err))
}

// translateTimeoutError converts context errors to user-friendly messages.
func translateTimeoutError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "request canceled"
	}
	return err.Error()
}
