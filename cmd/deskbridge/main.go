// ABOUTME: Entry point for the deskbridge helpdesk bridge
// ABOUTME: Cobra commands to serve, check health, mint admin tokens and inspect mappings

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/deskbridge/internal/auth"
	"github.com/2389/deskbridge/internal/config"
	"github.com/2389/deskbridge/internal/gateway"
	"github.com/2389/deskbridge/internal/store"
)

// version is set with -ldflags at build time.
var version = "dev"

const banner = `
     _           _    _          _     _
  __| | ___  ___| | _| |__  _ __(_) __| | __ _  ___
 / _' |/ _ \/ __| |/ / '_ \| '__| |/ _' |/ _' |/ _ \
| (_| |  __/\__ \   <| |_) | |  | | (_| | (_| |  __/
 \__,_|\___||___/_|\_\_.__/|_|  |_|\__,_|\__, |\___|
                                         |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "deskbridge",
		Short:         "Bridge Matrix rooms to Freshchat and Zendesk",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `deskbridge relays customer conversations between Matrix rooms and a
helpdesk platform, keeping one platform conversation per chat conversation.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $DESKBRIDGE_CONFIG or ~/.config/deskbridge/config.yaml)")

	loadConfig := func() (*config.Config, string, error) {
		path := config.ResolvePath(configFlag)
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("loading config: %w", err)
		}
		return cfg, path, nil
	}

	rootCmd.AddCommand(serveCmd(loadConfig))
	rootCmd.AddCommand(healthCmd(loadConfig))
	rootCmd.AddCommand(tokenCmd(loadConfig))
	rootCmd.AddCommand(mappingsCmd(loadConfig))
	return rootCmd
}

type configLoader func() (*config.Config, string, error)

func serveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cyan := color.New(color.FgCyan)
			cyan.Print(banner)
			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			cfg, configPath, err := load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)
			printStartup(cfg, configPath)

			logger.Info("starting deskbridge",
				"config", configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"platforms", strings.Join(cfg.EnabledPlatforms(), ","),
			)

			gw, err := gateway.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(cfg *config.Config, configPath string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Matrix:    %s on %s\n", cfg.Matrix.UserID, cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Platforms: %s", strings.Join(cfg.EnabledPlatforms(), ", "))
	if cfg.Router.DefaultPlatform != "" {
		gray.Printf(" (default %s)", cfg.Router.DefaultPlatform)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Matrix.Encryption {
		yellow.Println("    ▶ End-to-end encryption enabled")
	}
	if cfg.Auth.JWTSecret == "" {
		gray.Println("    ▶ Admin API disabled (no auth.jwt_secret)")
	}

	fmt.Println()
}

// localAddr rewrites a wildcard listen address into one a local client can dial.
func localAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func healthCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running bridge is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/ready", localAddr(cfg.Server.HTTPAddr))
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}

			color.New(color.FgGreen).Println("healthy")
			return nil
		},
	}
}

func tokenCmd(load configLoader) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set, the admin API is disabled")
			}
			if role != auth.RoleAdmin && role != auth.RoleViewer {
				return fmt.Errorf("role must be %q or %q", auth.RoleAdmin, auth.RoleViewer)
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(subject, role, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleViewer, "role: admin or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func mappingsCmd(load configLoader) *cobra.Command {
	var (
		platformName string
		user         string
		activeOnly   bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "List stored conversation mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}

			opts := store.ListOptions{ClientUserID: user, ActiveOnly: activeOnly, Limit: limit}
			if platformName != "" {
				p, err := store.ParsePlatform(platformName)
				if err != nil {
					return err
				}
				opts.Platform = p
			}

			s, err := gateway.OpenStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer s.Close()

			mappings, err := s.ListMappings(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("listing mappings: %w", err)
			}
			printMappings(mappings)
			return nil
		},
	}
	cmd.Flags().StringVar(&platformName, "platform", "", "filter by platform (freshchat, zendesk)")
	cmd.Flags().StringVar(&user, "user", "", "filter by client user id")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only unresolved mappings")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "maximum rows")
	return cmd
}

func printMappings(mappings []*store.Mapping) {
	if len(mappings) == 0 {
		fmt.Println("No mappings.")
		return
	}

	open := color.New(color.FgGreen).SprintFunc()
	resolved := color.New(color.FgHiBlack).SprintFunc()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tUSER\tPLATFORM\tPLATFORM ID\tSTATUS\tUPDATED")
	for _, m := range mappings {
		status := open("open")
		if m.IsResolved {
			status = resolved("resolved")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ClientConversationID,
			m.ClientUserID,
			m.Platform,
			m.PlatformConversationID,
			status,
			m.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
