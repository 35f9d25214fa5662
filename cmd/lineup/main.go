package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lineup/internal/config"
	"lineup/internal/db"
	"lineup/internal/domain"
	"lineup/internal/engine"
	"lineup/internal/migrate"
	"lineup/internal/notify"
	"lineup/internal/payment"
	"lineup/internal/repo"
	"lineup/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lineup",
	Short: "LineUp CLI",
	Long: `LineUp is a queue-waiting marketplace: clients publish missions,
liners apply to stand in line, and the mission moves through a strict
lifecycle (published -> accepted -> in_progress -> completed) with
payment held until the work is verified, usually via QR scan.
Workspace state lives in .lineup/lineup.db; config in lineup.yml.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LINEUP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", "ops", "actor role (client, liner, ops)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliActor() engine.Actor {
	return engine.Actor{
		ID:   viper.GetString("actor-id"),
		Role: viper.GetString("actor-role"),
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions are queue-waiting jobs. They flow published -> accepted -> in_progress -> completed; cancel is an exit from any non-terminal state.",
	}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionAssignCmd())
	m.AddCommand(missionUnassignCmd())
	m.AddCommand(missionProgressCmd())
	m.AddCommand(missionCompleteCmd())
	m.AddCommand(missionVerifyQRCmd())
	m.AddCommand(missionCancelCmd())
	m.AddCommand(missionRateCmd())
	m.AddCommand(missionDeleteCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ClientID == "" {
				opts.ClientID = viper.GetString("actor-id")
			}
			if cmd.Flags().Changed("lat") {
				opts.LocationLat = &lat
			}
			if cmd.Flags().Changed("lng") {
				opts.LocationLng = &lng
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, opts, cliActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"mission": m, "qr_token": m.QRToken})
				}
				fmt.Printf("QR token (shown once): %s\n", m.QRToken)
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "client id (defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.LocationLabel, "location", "", "location label")
	cmd.Flags().Float64Var(&lat, "lat", 0, "location latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "location longitude")
	cmd.Flags().StringVar(&opts.ScheduledAt, "scheduled-at", "", "scheduled time (RFC3339)")
	cmd.Flags().IntVar(&opts.DurationMinutes, "duration", 0, "expected duration minutes")
	cmd.Flags().Int64Var(&opts.Budget, "budget", 0, "budget in minor units")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency (defaults from config)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missions, err := e.Repo.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Progress", "Payment", "Liner", "Budget"})
				for _, m := range missions {
					liner := ""
					if m.LinerID != nil {
						liner = *m.LinerID
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.ProgressStatus, m.PaymentStatus, liner, fmt.Sprintf("%d %s", m.Budget, m.Currency)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ClientID, "client-id", "", "client filter")
	cmd.Flags().StringVar(&f.LinerID, "liner-id", "", "liner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionAssignCmd() *cobra.Command {
	var linerID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a liner directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AssignLiner(ctx, args[0], linerID, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&linerID, "liner-id", "", "liner id")
	_ = cmd.MarkFlagRequired("liner-id")
	return cmd
}

func missionUnassignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unassign <id>",
		Short: "Release the assigned liner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UnassignLiner(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionProgressCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Advance the progress stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AdvanceProgress(ctx, args[0], stage, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage (en_route, arrived, queueing)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func missionCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a mission without QR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Complete(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionVerifyQRCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "verify-qr <id>",
		Short: "Complete a mission by QR token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CompleteViaQR(ctx, args[0], token, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "QR token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func missionCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Cancel(ctx, args[0], reason, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func missionRateCmd() *cobra.Command {
	var rating int
	var feedback string
	cmd := &cobra.Command{
		Use:   "rate <id>",
		Short: "Rate a completed mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RateMission(ctx, args[0], rating, feedback, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating (1-5)")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback text")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func missionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a mission (audit entries survive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMission(ctx, args[0], cliActor())
			})
		},
	}
	return cmd
}

func applicationCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "application",
		Short: "Manage applications",
		Long:  "Liners apply to open missions; the client accepts exactly one, which auto-rejects the other pending bids and assigns the liner.",
	}
	a.AddCommand(applicationApplyCmd())
	a.AddCommand(applicationListCmd())
	a.AddCommand(applicationAcceptCmd())
	a.AddCommand(applicationRejectCmd())
	return a
}

func applicationApplyCmd() *cobra.Command {
	var missionID, message string
	var rate int64
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply to a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ApplyOptions{
				MissionID: missionID,
				LinerID:   viper.GetString("actor-id"),
				Message:   message,
			}
			if cmd.Flags().Changed("rate") {
				opts.ProposedRate = &rate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Apply(ctx, opts, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().Int64Var(&rate, "rate", 0, "proposed rate in minor units")
	cmd.Flags().StringVar(&message, "message", "", "message to the client")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func applicationListCmd() *cobra.Command {
	var f repo.ApplicationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApplications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mission", "Liner", "Status", "Rate"})
				for _, a := range items {
					rate := ""
					if a.ProposedRate != nil {
						rate = fmt.Sprintf("%d", *a.ProposedRate)
					}
					tw.AppendRow(table.Row{a.ID, a.MissionID, a.LinerID, a.Status, rate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&f.LinerID, "liner-id", "", "liner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func applicationAcceptCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "accept <application-id>",
		Short: "Accept an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AcceptApplication(ctx, missionID, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func applicationRejectCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "reject <application-id>",
		Short: "Reject an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RejectApplication(ctx, missionID, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func paymentCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "payment",
		Short: "Payment operations",
	}
	p.AddCommand(&cobra.Command{
		Use:   "authorize <mission-id>",
		Short: "Retry payment authorization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AuthorizePayment(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "capture <mission-id>",
		Short: "Capture held funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CapturePayment(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	return p
}

func chatCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "chat",
		Short: "Mission chat",
	}
	c.AddCommand(chatPostCmd())
	c.AddCommand(chatListCmd())
	return c
}

func chatPostCmd() *cobra.Command {
	var missionID, body string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msg, err := e.PostChatMessage(ctx, missionID, body, attachments, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().StringArrayVar(&attachments, "attachment", []string{}, "attachment URL (repeatable)")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func chatListCmd() *cobra.Command {
	var missionID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListChatMessages(ctx, missionID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().IntVar(&limit, "limit", 100, "max messages")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "Every lifecycle transition and payment event is recorded here and survives mission deletion.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestAuditEntries(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Mission", "Actor"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.TS, entry.Type, entry.MissionID, entry.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Marketplace stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Repo.MarketplaceStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Booked volume:     %d\n", stats.BookedVolume)
				fmt.Printf("Captured volume:   %d\n", stats.CapturedVolume)
				fmt.Printf("Open applications: %d\n", stats.OpenApplications)
				fmt.Println("Missions:")
				for status, c := range stats.MissionsByStatus {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate lineup.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return c
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := "lk_" + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": rawKey})
				}
				fmt.Printf("API key (shown once): %s\n", rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role (client, liner, ops)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, gatewayFromConfig(cfg))
			jwtSecret := cfg.Auth.JWTSecret
			if env := os.Getenv("LINEUP_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret is required: set auth.jwt_secret in lineup.yml or LINEUP_JWT_SECRET")
			}
			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notify.Start(e.Repo, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving LineUp API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults from config)")
	return cmd
}

// --- helpers ---

func gatewayFromConfig(cfg *config.Config) payment.Gateway {
	if cfg == nil || cfg.Payments.Provider != "http" {
		return payment.NopGateway{}
	}
	timeout := time.Duration(cfg.Payments.TimeoutSeconds) * time.Second
	return payment.NewHTTPGateway(cfg.Payments.Endpoint, cfg.Payments.Secret, timeout)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, gatewayFromConfig(cfg))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
