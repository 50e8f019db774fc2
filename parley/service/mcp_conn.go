package service

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/relaybox/parley/config"
	"github.com/go-appsec/relaybox/parley/protocol"
	"github.com/go-appsec/relaybox/parley/service/connlog"
	"github.com/go-appsec/relaybox/parley/service/plugin"
	"github.com/go-appsec/relaybox/parley/service/relay"
)

func (m *mcpServer) connListTool() mcp.Tool {
	return mcp.NewTool("conn_list",
		mcp.WithDescription("List active relayed connections with per-direction message and byte counts."),
		mcp.WithBoolean("include_logs", mcp.Description("Also list stored connection logs, including closed connections")),
	)
}

func (m *mcpServer) connLogTool() mcp.Tool {
	return mcp.NewTool("conn_log",
		mcp.WithDescription(`Read a connection log.

Each line is "<time> [c>s #N] text" for plugin output on message N, or "<time> [conn] text" for connection events.`),
		mcp.WithString("conn_id", mcp.Required(), mcp.Description("Connection ID from conn_list")),
		mcp.WithNumber("tail", mcp.Description("Return only the last N lines")),
	)
}

func (m *mcpServer) statusTool() mcp.Tool {
	return mcp.NewTool("status",
		mcp.WithDescription("Report relay addresses, TLS settings, active connection count and plugin counts."),
	)
}

func (m *mcpServer) handleConnList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := m.service.listener.Sessions()
	resp := protocol.ConnListResponse{Active: make([]protocol.ConnEntry, 0, len(sessions))}
	for _, info := range sessions {
		resp.Active = append(resp.Active, connEntry(info))
	}

	if req.GetBool("include_logs", false) {
		artifacts, err := m.service.connLogs.List()
		if err != nil {
			return errorResultFromErr("failed to list connection logs: ", err), nil
		}
		for _, a := range artifacts {
			resp.Logs = append(resp.Logs, protocol.LogEntry{
				ConnID:   a.ConnID,
				Size:     a.Size,
				Archived: a.Archived,
				Modified: a.ModTime,
			})
		}
	}

	m.log.Debugw("conn/list", "active", len(resp.Active), "logs", len(resp.Logs))
	return jsonResult(resp)
}

func (m *mcpServer) handleConnLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connID := req.GetString("conn_id", "")
	if connID == "" {
		return errorResult("conn_id is required"), nil
	}

	if err := m.service.connLogs.Sync(ctx); err != nil {
		return errorResultFromErr("failed to flush connection logs: ", err), nil
	}
	text, err := m.service.connLogs.Read(connID)
	if errors.Is(err, connlog.ErrNotFound) {
		return errorResult("connection log not found: use conn_list with include_logs to see stored logs"), nil
	} else if err != nil {
		return errorResultFromErr("failed to read connection log: ", err), nil
	}

	return jsonResult(protocol.ConnLogResponse{
		ConnID: connID,
		Text:   connlog.Tail(text, req.GetInt("tail", 0)),
	})
}

func (m *mcpServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(m.service.status())
}

func (s *Server) status() protocol.StatusResponse {
	resp := protocol.StatusResponse{
		Version:     config.Version,
		Listen:      s.listener.Addr(),
		Upstream:    s.listener.Upstream(),
		ClientTLS:   s.cfg.ClientTLS.Enabled,
		UpstreamTLS: s.cfg.UpstreamTLS.Enabled,
		ActiveConns: s.listener.ActiveCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	for _, spec := range s.registry.Specs(plugin.DirectionAny) {
		if spec.Direction == plugin.ClientToServer {
			resp.PluginsClient++
		} else {
			resp.PluginsServer++
		}
		if spec.Enabled {
			resp.EnabledPlugins++
		}
	}
	return resp
}

func connEntry(info relay.SessionInfo) protocol.ConnEntry {
	return protocol.ConnEntry{
		ConnID:         info.ID,
		Client:         info.Client.String(),
		Server:         info.Server.String(),
		State:          info.State.String(),
		Started:        info.Started,
		ClientMessages: info.ClientMessages,
		ServerMessages: info.ServerMessages,
		ClientBytes:    info.ClientBytes,
		ServerBytes:    info.ServerBytes,
	}
}
