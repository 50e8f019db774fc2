package service

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/relaybox/parley/protocol"
	"github.com/go-appsec/relaybox/parley/service/plugin"
)

func (m *mcpServer) pluginListTool() mcp.Tool {
	return mcp.NewTool("plugin_list",
		mcp.WithDescription(`List discovered plugins in chain order.

Client plugins run on client-to-server traffic, server plugins on server-to-client traffic.
Only modifiers may rewrite or drop a message; observers see the bytes but cannot change them.
The role column tells them apart. Manifest plugins take the role of their kind (replace and regex_replace
modify, hexdump, text and match observe). Compiled plugins declare a role, or are modifiers when the name
starts with "modify" after an optional numeric prefix such as "10_modify_auth".`),
		mcp.WithString("direction", mcp.Description("Filter by direction: 'client', 'server', or 'any' (default)")),
	)
}

func (m *mcpServer) pluginEnableTool() mcp.Tool {
	return mcp.NewTool("plugin_enable",
		mcp.WithDescription("Enable a plugin. Takes effect on the next relayed message; chain order is preserved."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Plugin name as shown by plugin_list")),
		mcp.WithString("direction", mcp.Description("Direction holding the plugin: 'client', 'server', or 'any' (default, all matches)")),
	)
}

func (m *mcpServer) pluginDisableTool() mcp.Tool {
	return mcp.NewTool("plugin_disable",
		mcp.WithDescription("Disable a plugin. Takes effect on the next relayed message; messages already in a chain finish with it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Plugin name as shown by plugin_list")),
		mcp.WithString("direction", mcp.Description("Direction holding the plugin: 'client', 'server', or 'any' (default, all matches)")),
	)
}

func (m *mcpServer) pluginReloadTool() mcp.Tool {
	return mcp.NewTool("plugin_reload",
		mcp.WithDescription("Rescan both plugin directories. Enabled flags of plugins that still exist are kept; files that fail to load are skipped."),
	)
}

func (m *mcpServer) handlePluginList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, err := plugin.ParseDirection(req.GetString("direction", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	specs := m.service.registry.Specs(dir)
	m.log.Debugw("plugin/list", "direction", dir.String(), "count", len(specs))
	return jsonResult(protocol.PluginListResponse{Plugins: pluginEntries(specs)})
}

func (m *mcpServer) handlePluginEnable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.togglePlugin(req, true)
}

func (m *mcpServer) handlePluginDisable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.togglePlugin(req, false)
}

func (m *mcpServer) togglePlugin(req mcp.CallToolRequest, enabled bool) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return errorResult("name is required"), nil
	}
	dir, err := plugin.ParseDirection(req.GetString("direction", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	if enabled {
		err = m.service.registry.Enable(dir, name)
	} else {
		err = m.service.registry.Disable(dir, name)
	}
	if errors.Is(err, plugin.ErrPluginNotFound) {
		return errorResult(err.Error() + ": use plugin_list to see available names, or plugin_reload after adding files"), nil
	} else if err != nil {
		return errorResultFromErr("failed to toggle plugin: ", err), nil
	}

	return jsonResult(protocol.PluginToggleResponse{
		Name:      name,
		Direction: dir.String(),
		Enabled:   enabled,
	})
}

func (m *mcpServer) handlePluginReload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.service.registry.Reload(); err != nil {
		return errorResultFromErr("failed to reload plugins: ", err), nil
	}

	specs := m.service.registry.Specs(plugin.DirectionAny)
	m.log.Infow("plugin/reload", "count", len(specs))
	return jsonResult(protocol.PluginListResponse{Plugins: pluginEntries(specs)})
}

func pluginEntries(specs []plugin.Spec) []protocol.PluginEntry {
	entries := make([]protocol.PluginEntry, 0, len(specs))
	for _, s := range specs {
		entries = append(entries, protocol.PluginEntry{
			Name:        s.Name,
			Direction:   s.Direction.String(),
			Role:        s.Role.String(),
			Enabled:     s.Enabled,
			Order:       s.Order,
			Description: s.Description,
			Path:        s.Path,
		})
	}
	return entries
}
