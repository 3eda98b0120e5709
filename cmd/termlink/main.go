package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	cliconfig "github.com/avkcode/termlink/internal/cli/config"
	"github.com/avkcode/termlink/internal/client"
	"github.com/avkcode/termlink/internal/transport"
)

const defaultServer = "https://termlink.io"

type rootOptions struct {
	server        string
	shell         string
	name          string
	quiet         bool
	enableReaders bool
	verbose       bool
	configPath    string
	contextName   string
	timeout       time.Duration
}

// prepare layers config-file context values under explicit flags.
func (r *rootOptions) prepare() error {
	resolved, err := client.ResolveConnection(r.configPath, r.contextName, r.server, r.shell, r.enableReaders, r.timeout)
	if err != nil {
		return err
	}
	r.server = resolved.Server
	r.shell = resolved.Shell
	r.enableReaders = resolved.EnableReaders
	r.timeout = resolved.Timeout
	if r.name == "" {
		r.name = defaultSessionName()
	}
	return nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "termlink",
		Short: "Share your terminal in the browser over an encrypted session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.prepare(); err != nil {
				return err
			}
			return runSession(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}
	defaultConfig := os.Getenv("TERMLINK_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to termlink config file (default $HOME/.termlink/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.Flags().StringVar(&opts.server, "server", "", "coordinator URL (overrides config; default $TERMLINK_SERVER or "+defaultServer+")")
	rootCmd.Flags().StringVar(&opts.shell, "shell", "", "shell command to run (default $SHELL)")
	rootCmd.Flags().StringVarP(&opts.name, "name", "n", "", "session name (default user@hostname)")
	rootCmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "print only the session URL")
	rootCmd.Flags().BoolVar(&opts.enableReaders, "enable-readers", false, "issue a separate writer URL so the plain URL is read-only")
	rootCmd.Flags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	rootCmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "connection timeout per transport attempt")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func runSession(ctx context.Context, opts *rootOptions) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	conn := transport.DefaultConfig()
	if opts.timeout > 0 {
		conn.GRPCTimeout = opts.timeout
		conn.WebSocketTimeout = opts.timeout
	}

	controller, err := client.Open(ctx, client.Config{
		Origin:        opts.server,
		Name:          opts.name,
		Runner:        client.ShellRunner{Shell: opts.shell, Logger: logger},
		EnableReaders: opts.enableReaders,
		Connection:    conn,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	printGreeting(opts, controller)

	done := make(chan error, 1)
	go func() { done <- controller.Run() }()

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			_ = controller.Close()
			return err
		}
	}

	if !opts.quiet {
		fmt.Fprintln(os.Stderr, "closing session...")
	}
	return controller.Close()
}

func printGreeting(opts *rootOptions, c *client.Controller) {
	if opts.quiet || !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(c.URL())
		if writeURL, ok := c.WriteURL(); ok {
			fmt.Println(writeURL)
		}
		return
	}
	fmt.Println()
	fmt.Printf("  termlink session %s is live (%s)\n", c.Name(), c.ConnectionMethod())
	fmt.Println()
	fmt.Printf("  link:  %s\n", c.URL())
	if writeURL, ok := c.WriteURL(); ok {
		fmt.Printf("  write: %s\n", writeURL)
	}
	fmt.Println()
	fmt.Println("  anyone with the link can view this terminal; press Ctrl-C to stop sharing")
	fmt.Println()
}

// defaultSessionName is user@hostname, degrading gracefully when either
// lookup fails.
func defaultSessionName() string {
	name := "termlink"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		name += "@" + host
	}
	return name
}
