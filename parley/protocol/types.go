// Package protocol defines the JSON payloads exchanged over the MCP control surface.
package protocol

import "time"

// =============================================================================
// Plugin Types
// =============================================================================

// PluginEntry describes one discovered plugin.
type PluginEntry struct {
	Name        string `json:"name"`
	Direction   string `json:"direction"`
	Role        string `json:"role"`
	Enabled     bool   `json:"enabled"`
	Order       int    `json:"order"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// PluginListResponse is the response for plugin_list and plugin_reload.
type PluginListResponse struct {
	Plugins []PluginEntry `json:"plugins"`
}

// PluginToggleResponse is the response for plugin_enable and plugin_disable.
type PluginToggleResponse struct {
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Enabled   bool   `json:"enabled"`
}

// =============================================================================
// Connection Types
// =============================================================================

// ConnEntry describes an active relayed connection.
type ConnEntry struct {
	ConnID         string    `json:"conn_id"`
	Client         string    `json:"client"`
	Server         string    `json:"server"`
	State          string    `json:"state"`
	Started        time.Time `json:"started"`
	ClientMessages uint64    `json:"client_messages"`
	ServerMessages uint64    `json:"server_messages"`
	ClientBytes    uint64    `json:"client_bytes"`
	ServerBytes    uint64    `json:"server_bytes"`
}

// LogEntry describes a stored connection log.
type LogEntry struct {
	ConnID   string    `json:"conn_id"`
	Size     int64     `json:"size"`
	Archived bool      `json:"archived,omitempty"`
	Modified time.Time `json:"modified"`
}

// ConnListResponse is the response for conn_list.
type ConnListResponse struct {
	Active []ConnEntry `json:"active"`
	Logs   []LogEntry  `json:"logs,omitempty"`
}

// ConnLogResponse is the response for conn_log.
type ConnLogResponse struct {
	ConnID string `json:"conn_id"`
	Text   string `json:"text"`
}

// =============================================================================
// Status Types
// =============================================================================

// StatusResponse is the response for status.
type StatusResponse struct {
	Version        string `json:"version"`
	Listen         string `json:"listen"`
	Upstream       string `json:"upstream"`
	ClientTLS      bool   `json:"client_tls"`
	UpstreamTLS    bool   `json:"upstream_tls"`
	ActiveConns    int    `json:"active_connections"`
	PluginsClient  int    `json:"plugins_client"`
	PluginsServer  int    `json:"plugins_server"`
	EnabledPlugins int    `json:"enabled_plugins"`
	Uptime         string `json:"uptime"`
}
