package service

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/go-appsec/relaybox/parley/config"
)

// ServeFlags holds flags for parley serve. Zero values defer to the config file.
type ServeFlags struct {
	ConfigPath     string
	Listen         string // host:port
	Upstream       string // host:port
	MCPPort        int
	ClientTLS      bool
	UpstreamTLS    bool
	Insecure       bool
	SocksProxy     string
	PluginDir      string
	LogDir         string
	ArchiveLogs    bool
	MaxConnections int
	Debug          bool
}

// ParseServeFlags parses flags for server mode (parley serve).
func ParseServeFlags(args []string) (ServeFlags, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var flags ServeFlags

	fs.StringVar(&flags.ConfigPath, "config", "", "config file path, .json or .yaml (default: ~/.parley/config.json)")
	fs.StringVarP(&flags.Listen, "listen", "l", "", "listen address host:port (default: from config or 127.0.0.1:8443)")
	fs.StringVarP(&flags.Upstream, "upstream", "u", "", "upstream server host:port")
	fs.IntVar(&flags.MCPPort, "mcp-port", 0, fmt.Sprintf("MCP control port, negative picks a free port (default: from config or %d)", config.DefaultMCPPort))
	fs.BoolVar(&flags.ClientTLS, "client-tls", false, "terminate TLS from clients")
	fs.BoolVar(&flags.UpstreamTLS, "upstream-tls", false, "connect to the upstream over TLS")
	fs.BoolVarP(&flags.Insecure, "insecure", "k", false, "skip upstream certificate verification")
	fs.StringVar(&flags.SocksProxy, "socks", "", "SOCKS5 proxy host:port for upstream dials")
	fs.StringVar(&flags.PluginDir, "plugin-dir", "", "plugin root containing client/ and server/")
	fs.StringVar(&flags.LogDir, "log-dir", "", "connection log directory")
	fs.BoolVar(&flags.ArchiveLogs, "archive-logs", false, "zstd-compress connection logs when connections close")
	fs.IntVar(&flags.MaxConnections, "max-conns", 0, "maximum concurrent connections (0 = unlimited)")
	fs.BoolVar(&flags.Debug, "debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	for name, addr := range map[string]string{"listen": flags.Listen, "upstream": flags.Upstream, "socks": flags.SocksProxy} {
		if addr == "" {
			continue
		} else if _, err := parseEndpoint(addr); err != nil {
			return flags, fmt.Errorf("invalid --%s value %q: %w", name, addr, err)
		}
	}
	if flags.MaxConnections < 0 {
		return flags, fmt.Errorf("invalid --max-conns value %d: must not be negative", flags.MaxConnections)
	}

	return flags, nil
}

func parseEndpoint(addr string) (config.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return config.Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return config.Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	return config.Endpoint{Host: host, Port: port}, nil
}

// apply overrides cfg with every flag that was set.
func (f ServeFlags) apply(cfg *config.Config) {
	if ep, err := parseEndpoint(f.Listen); err == nil {
		cfg.Listen = ep
	}
	if ep, err := parseEndpoint(f.Upstream); err == nil {
		cfg.Upstream = ep
	}
	if f.MCPPort != 0 {
		cfg.MCPPort = f.MCPPort
	}
	if f.ClientTLS {
		cfg.ClientTLS.Enabled = true
	}
	if f.UpstreamTLS {
		cfg.UpstreamTLS.Enabled = true
	}
	if f.Insecure {
		cfg.UpstreamTLS.InsecureSkipVerify = true
	}
	if f.SocksProxy != "" {
		cfg.SocksProxy = f.SocksProxy
	}
	if f.PluginDir != "" {
		cfg.PluginDir = f.PluginDir
	}
	if f.LogDir != "" {
		cfg.LogDir = f.LogDir
	}
	if f.ArchiveLogs {
		cfg.ArchiveLogs = true
	}
	if f.MaxConnections != 0 {
		cfg.MaxConnections = f.MaxConnections
	}
}
