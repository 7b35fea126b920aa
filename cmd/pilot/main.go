package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pilot/internal/app"
	"pilot/internal/config"
	"pilot/internal/dashboard"
	"pilot/internal/db"
	"pilot/internal/engine/auth"
	"pilot/internal/migrate"
	"pilot/internal/nextrun"
	"pilot/internal/server"
	pilotsdk "pilot/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Pilot agent dashboard",
	Long: `Pilot is the backend for a dashboard that watches AI agents at work.
- Agents register once (POST /api/users) and get a bearer token.
- With the token they report agents, tasks, activity and scheduled jobs.
- Operators sign in to the dashboard API (/ui) and see a team panel, a task
  board, the scheduled jobs with their next run, and a short activity feed.
- Everything lives in .pilot/pilot.db inside the workspace; settings in pilot.yml.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	// A workspace .env never overrides variables already set in the environment.
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: read %s: %v\n", envFile, err)
	}
	viper.SetEnvPrefix("PILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(migrateCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create pilot.yml, the database and a session secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			ws, err := app.Open(app.Options{Dir: workspace})
			if err != nil {
				return err
			}
			defer ws.Close()
			envPath := filepath.Join(workspace, ".env")
			if os.Getenv("PILOT_JWT_SECRET") == "" {
				if err := setEnvValue(envPath, "PILOT_JWT_SECRET", strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")); err != nil {
					return err
				}
				fmt.Printf("Wrote session secret to %s\n", envPath)
			}
			fmt.Printf("Initialized workspace: %s (db %s)\n", cfgPath, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing pilot.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()
			if addr == "" {
				addr = ws.Config.Server.Addr
			}
			authCfg := server.AuthConfig{
				JWTSecret: viper.GetString("jwt-secret"),
				DevLogin:  devLogin || ws.Config.Auth.DevLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PILOT_JWT_SECRET is required for dashboard sessions")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, Broker: ws.Broker, Auth: authCfg, Version: version})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			server.StartWebhooks(ctx, ws.Broker, ws.Config.Webhooks, log.Default())
			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			go func() {
				<-ctx.Done()
				// Ends open streams so Shutdown does not wait on them.
				ws.Broker.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Pilot API on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from pilot.yml)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /ui/auth/dev/login (never in production)")
	cmd.Flags().String("jwt-secret", "", "session signing secret (or PILOT_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userShowCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var externalID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user (or return the existing one) and print its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				u, created, err := ws.Engine.EnsureUser(cmd.Context(), externalID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"userId": u.ID, "token": u.Token, "created": created})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "External ID", "Token", "Created"})
				tw.AppendRow(table.Row{u.ID, u.ExternalID, u.Token, created})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "identity provider subject")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}

func userShowCmd() *cobra.Command {
	var externalID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a user and presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				u, err := ws.Engine.Repo.GetUserByExternalID(cmd.Context(), externalID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.UserView{User: u, Token: u.Token, Online: ws.Engine.Online(u)})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Onboarded", "Online", "Last heartbeat"})
				heartbeat := "never"
				if u.LastHeartbeatAt != nil {
					heartbeat = dashboard.TimeAgo(*u.LastHeartbeatAt, ws.Engine.CurrentTime())
				}
				tw.AppendRow(table.Row{u.ID, u.Name, u.OnboardingComplete, ws.Engine.Online(u), heartbeat})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "identity provider subject")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Dashboard sessions"}
	var subject, name string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a dashboard session token (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("PILOT_JWT_SECRET is required")
			}
			tok, err := auth.MintIdentity(auth.Identity{Subject: subject, Name: name}, secret, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "", "identity subject (the user's external id)")
	token.Flags().StringVar(&name, "name", "", "display name claim")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = token.MarkFlagRequired("subject")
	sess.AddCommand(token)
	return sess
}

func dashboardCmd() *cobra.Command {
	var externalID string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Print a user's dashboard panels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				ctx := cmd.Context()
				u, err := ws.Engine.Repo.GetUserByExternalID(ctx, externalID)
				if err != nil {
					return err
				}
				d, err := dashboard.Build(ctx, ws.Engine, u.ID, ws.Config.FeedLimit(), ws.Engine.CurrentTime())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printDashboard(d)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "whose dashboard to show")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}

func printDashboard(d dashboard.Dashboard) {
	team := newTable()
	team.SetTitle("Team")
	team.AppendHeader(table.Row{"Agent", "Role", "Status", "Live"})
	for _, m := range d.Team {
		team.AppendRow(table.Row{m.Name, m.Role, m.Status, m.Live})
	}
	team.Render()

	for _, col := range d.Board {
		tw := newTable()
		tw.SetTitle(fmt.Sprintf("%s (%d)", col.Title, col.Count))
		tw.AppendHeader(table.Row{"Task", "Agent", "Tags", "Live"})
		for _, c := range col.Tasks {
			labels := make([]string, 0, len(c.Tags))
			for _, tag := range c.Tags {
				labels = append(labels, tag.Label)
			}
			tw.AppendRow(table.Row{c.Title, c.AgentName, strings.Join(labels, ", "), c.Live})
		}
		tw.Render()
	}

	jobs := newTable()
	jobs.SetTitle("Scheduled jobs")
	jobs.AppendHeader(table.Row{"Job", "Cron", "Agent", "Next run"})
	for _, j := range d.Jobs {
		jobs.AppendRow(table.Row{j.Name, j.Cron, j.AgentName, j.NextRun})
	}
	jobs.Render()

	feed := newTable()
	feed.SetTitle("Activity")
	feed.AppendHeader(table.Row{"When", "Agent", "Action", "Description"})
	for _, a := range d.Activity {
		feed.AppendRow(table.Row{a.TimeAgo, a.AgentName, a.Action, a.Description})
	}
	feed.Render()
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Scheduled job helpers"}
	var at string
	next := &cobra.Command{
		Use:   "next <cron>",
		Short: "Estimate the next run of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = parsed
			}
			when, err := nextrun.Next(args[0], now)
			if err != nil {
				return err
			}
			rel := nextrun.FormatRelative(nextrun.Remaining(when, now))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"next": when.Format(time.RFC3339), "in": rel})
			}
			fmt.Printf("%s (%s)\n", when.Format(time.RFC3339), rel)
			return nil
		},
	}
	next.Flags().StringVar(&at, "at", "", "reference time (RFC3339), default now")
	jobs.AddCommand(next)
	return jobs
}

func pingCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check a server with an agent token (records a health check)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := viper.GetString("token")
			if token == "" {
				return fmt.Errorf("--token or PILOT_TOKEN is required")
			}
			client := pilotsdk.New(url, token)
			status, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Heartbeat(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().String("token", "", "agent bearer token (or PILOT_TOKEN)")
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func migrateCmd() *cobra.Command {
	mig := &cobra.Command{Use: "migrate", Short: "Database migrations"}
	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and when they were applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				items, err := migrate.List(cmd.Context(), ws.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
				for _, m := range items {
					applied := "pending"
					if m.AppliedAt > 0 {
						applied = time.UnixMilli(m.AppliedAt).UTC().Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{m.Version, m.Name, applied})
				}
				tw.Render()
				return nil
			})
		},
	}
	mig.AddCommand(status)
	return mig
}

// --- helpers ---

func openWorkspace() (*app.Workspace, error) {
	return app.Open(app.Options{Dir: viper.GetString("workspace")})
}

func withWorkspace(fn func(*app.Workspace) error) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ws)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
