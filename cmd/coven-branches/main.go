// ABOUTME: Entry point for coven-branches, the conversation branching server
// ABOUTME: Cobra commands: serve, health, token and version

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-branches/internal/auth"
	"github.com/2389/coven-branches/internal/config"
	"github.com/2389/coven-branches/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                     _                           _
  ___ _____   _____ _ __            | |__  _ __ __ _ _ __   ___| |__   ___  ___
 / __/ _ \ \ / / _ \ '_ \   _____   | '_ \| '__/ _' | '_ \ / __| '_ \ / _ \/ __|
| (_| (_) \ V /  __/ | | | |_____|  | |_) | | | (_| | | | | (__| | | |  __/\__ \
 \___\___/ \_/ \___|_| |_|          |_.__/|_|  \__,_|_| |_|\___|_| |_|\___||___/
`

var (
	configPath string

	healthReady bool

	tokenTenant string
	tokenUser   string
	tokenTTL    time.Duration
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coven-branches",
		Short:         "Conversation branching server with real-time event fan-out",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to the config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	}
	healthCmd.Flags().BoolVar(&healthReady, "ready", false, "query the readiness endpoint instead of liveness")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a tenant and user",
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant ID (required)")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user ID (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("tenant")
	_ = tokenCmd.MarkFlagRequired("user")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, healthCmd, tokenCmd, versionCmd)
	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:    %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Transport:   ")
	cyan.Print(gw.TransportName())
	if gw.TransportName() == gateway.TransportMemory {
		yellow.Print(" [single instance]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Environment: %s", cfg.Environment)
	if cfg.Auth.DevMode {
		yellow.Print(" [dev auth]")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting coven-branches",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"transport", gw.TransportName(),
		"instance_id", gw.InstanceID(),
	)

	return gw.Run(ctx)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	path := "/health"
	if healthReady {
		path = "/health/ready"
	}
	url := fmt.Sprintf("http://%s%s", dialAddr(cfg.Server.HTTPAddr), path)

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	if healthReady {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "healthy")
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(tokenTenant, tokenUser, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// dialAddr turns a listen address into one a local client can reach.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
