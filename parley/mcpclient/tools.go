package mcpclient

import (
	"context"

	"github.com/go-appsec/relaybox/parley/protocol"
)

// PluginList calls plugin_list. An empty direction lists both chains.
func (c *Client) PluginList(ctx context.Context, direction string) (*protocol.PluginListResponse, error) {
	args := make(map[string]interface{})
	if direction != "" {
		args["direction"] = direction
	}

	var resp protocol.PluginListResponse
	if err := c.CallToolJSON(ctx, "plugin_list", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PluginEnable calls plugin_enable.
func (c *Client) PluginEnable(ctx context.Context, name, direction string) (*protocol.PluginToggleResponse, error) {
	return c.pluginToggle(ctx, "plugin_enable", name, direction)
}

// PluginDisable calls plugin_disable.
func (c *Client) PluginDisable(ctx context.Context, name, direction string) (*protocol.PluginToggleResponse, error) {
	return c.pluginToggle(ctx, "plugin_disable", name, direction)
}

func (c *Client) pluginToggle(ctx context.Context, tool, name, direction string) (*protocol.PluginToggleResponse, error) {
	args := map[string]interface{}{"name": name}
	if direction != "" {
		args["direction"] = direction
	}

	var resp protocol.PluginToggleResponse
	if err := c.CallToolJSON(ctx, tool, args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PluginReload calls plugin_reload and returns the rescanned plugins.
func (c *Client) PluginReload(ctx context.Context) (*protocol.PluginListResponse, error) {
	var resp protocol.PluginListResponse
	if err := c.CallToolJSON(ctx, "plugin_reload", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnList calls conn_list.
func (c *Client) ConnList(ctx context.Context, includeLogs bool) (*protocol.ConnListResponse, error) {
	args := make(map[string]interface{})
	if includeLogs {
		args["include_logs"] = true
	}

	var resp protocol.ConnListResponse
	if err := c.CallToolJSON(ctx, "conn_list", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnLog calls conn_log. tail <= 0 returns the whole log.
func (c *Client) ConnLog(ctx context.Context, connID string, tail int) (*protocol.ConnLogResponse, error) {
	args := map[string]interface{}{"conn_id": connID}
	if tail > 0 {
		args["tail"] = tail
	}

	var resp protocol.ConnLogResponse
	if err := c.CallToolJSON(ctx, "conn_log", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status calls status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.CallToolJSON(ctx, "status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
