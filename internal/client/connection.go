package client

import (
	"os"
	"time"

	cliconfig "github.com/avkcode/termlink/internal/cli/config"
)

// Connection is the fully resolved set of session settings.
type Connection struct {
	Server        string
	Shell         string
	EnableReaders bool
	Timeout       time.Duration
	ConfigPath    string
	ContextName   string
	Config        *cliconfig.Config
	Context       *cliconfig.Context
}

const defaultServer = "https://termlink.io"

// ResolveConnection mirrors cmd/termlink's config semantics:
// 1) flags (server, shell, enableReaders, timeout, contextName)
// 2) config file values
// 3) environment (TERMLINK_SERVER)
// 4) defaults
func ResolveConnection(configPath, contextName, server, shell string, enableReaders bool, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath:    configPath,
		ContextName:   contextName,
		Server:        server,
		Shell:         shell,
		EnableReaders: enableReaders,
		Timeout:       timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}

	if conn.Config != nil {
		ctx, _, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
	}

	if conn.Context != nil {
		if conn.Server == "" {
			conn.Server = conn.Context.Server
		}
		if conn.Shell == "" {
			conn.Shell = conn.Context.Shell
		}
		if !conn.EnableReaders {
			conn.EnableReaders = conn.Context.EnableReaders
		}
		if conn.Timeout == 0 && conn.Context.TimeoutSeconds > 0 {
			conn.Timeout = time.Duration(conn.Context.TimeoutSeconds) * time.Second
		}
	}

	if conn.Server == "" {
		conn.Server = os.Getenv("TERMLINK_SERVER")
		if conn.Server == "" {
			conn.Server = defaultServer
		}
	}

	return conn, nil
}
