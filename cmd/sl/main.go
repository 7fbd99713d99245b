package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/reminder"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline moves improvement initiatives through eleven approval stages.
- Routing: per-site table saying which role owns each stage, imported from stageline.yml.
- Ledger: one row per materialized stage; rows are only ever appended or decided once.
- Act: approve or reject the pending row; approval creates or activates the next one.
- Lead: chosen when stage 3 is approved, owns stages 4 to 6.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "directory user id to act as")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(closureCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create stageline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := app.ImportConfig(ctx, r, cfg, actorID()); err != nil {
					return err
				}
				fmt.Printf("Initialized %s and %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing stageline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Routing and directory configuration"}
	c.AddCommand(configImportCmd())
	c.AddCommand(configValidateCmd())
	c.AddCommand(routingShowCmd())
	return c
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import routing and users from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				mismatches, err := app.ImportConfig(ctx, r, cfg, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"imported": file, "catalog_mismatches": mismatches})
				}
				fmt.Printf("Imported %s (%d users, %d routing entries)\n", file, len(cfg.DirectoryUsers()), len(cfg.RoutingEntries()))
				for _, m := range mismatches {
					fmt.Println("  warning:", m.String())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (default <workspace>/stageline.yml)")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file without importing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file = config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				file = args[0]
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			for _, m := range cfg.Reconcile() {
				fmt.Println("warning:", m.String())
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func routingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routing <site>",
		Short: "Show the imported routing table of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListRouting(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable(table.Row{"Stage", "Name", "Role", "Default user", "Active"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.StageNumber, e.StageName, e.RequiredRole, e.DefaultUserEmail, e.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func initiativeCmd() *cobra.Command {
	c := &cobra.Command{Use: "initiative", Aliases: []string{"in"}, Short: "Register and inspect initiatives"}
	c.AddCommand(initiativeCreateCmd())
	c.AddCommand(initiativeSeedCmd())
	c.AddCommand(initiativeListCmd())
	c.AddCommand(initiativeShowCmd())
	c.AddCommand(initiativeLedgerCmd())
	c.AddCommand(initiativeProgressCmd())
	c.AddCommand(initiativeEventsCmd())
	return c
}

func initiativeCreateCmd() *cobra.Command {
	var id, title, desc, site, createdBy string
	var noSeed bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an initiative and open evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if createdBy == "" {
					if u, err := e.Routing.FindUser(ctx, viper.GetString("as")); err == nil {
						createdBy = u.Name
					}
				}
				opts := engine.CreateOptions{ID: id, Title: title, Description: desc, Site: site, CreatedBy: createdBy}
				if noSeed {
					in, err := e.Create(ctx, opts)
					if err != nil {
						return err
					}
					return printInitiative(in)
				}
				in, rows, err := e.Register(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"initiative": in, "ledger": rows})
				}
				if err := printInitiative(in); err != nil {
					return err
				}
				return printLedger(rows)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "initiative id (default random)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&site, "site", "", "site code")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "creator name (default: name of --as user)")
	cmd.Flags().BoolVar(&noSeed, "no-seed", false, "only record stage 1; open evaluation later with initiative seed")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func initiativeSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <id>",
		Short: "Open stage 2 for an initiative created with --no-seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				row, err := e.Seed(ctx, args[0])
				if err != nil {
					return err
				}
				return printLedger([]domain.StageTransaction{row})
			})
		},
	}
}

func initiativeListCmd() *cobra.Command {
	var site, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInitiatives(ctx, repo.InitiativeFilters{Site: site, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Site", "Status", "Stage", "Lead"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Title, in.Site, in.Status, in.CurrentStage, deref(in.AssignedLeadID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "filter by site")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an initiative and its pending stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.GetInitiative(ctx, args[0])
				if err != nil {
					return err
				}
				pending, err := e.GetCurrentPending(ctx, in.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"initiative": in, "current_pending": pending})
				}
				if err := printInitiative(in); err != nil {
					return err
				}
				if pending == nil {
					fmt.Println("Pending: none")
					return nil
				}
				fmt.Printf("Pending: stage %d %s with %s (transaction %s)\n", pending.StageNumber, pending.StageName, pending.PendingWith, pending.ID)
				return nil
			})
		},
	}
}

func initiativeLedgerCmd() *cobra.Command {
	var visible bool
	cmd := &cobra.Command{
		Use:   "ledger <id>",
		Short: "Show the stage ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var rows []domain.StageTransaction
				var err error
				if visible {
					rows, err = e.GetVisibleLedger(ctx, args[0])
				} else {
					rows, err = e.GetLedger(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printLedger(rows)
			})
		},
	}
	cmd.Flags().BoolVar(&visible, "visible", false, "hide lead stages until their predecessor is approved")
	return cmd
}

func initiativeProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Show percent complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s: %d%% (%d of %d stages approved; %d%% of the full pipeline)\n",
					p.InitiativeID, p.Percent, p.Approved, p.Materialized, p.PlannedPercent)
				return nil
			})
		},
	}
}

func initiativeEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show the audit trail of an initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, args[0], 0, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func stageCmd() *cobra.Command {
	c := &cobra.Command{Use: "stage", Short: "Decide stage rows"}
	c.AddCommand(stageActCmd())
	return c
}

func stageActCmd() *cobra.Command {
	var decision, comment, actor, lead string
	var flags []string
	cmd := &cobra.Command{
		Use:   "act <transaction-id>",
		Short: "Approve or reject a pending stage row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ok := domain.ParseDecision(decision)
			if !ok {
				return fmt.Errorf("--decision must be approve or reject")
			}
			parsedFlags, err := parseFlags(flags)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ActOptions{
					TransactionID: args[0],
					Decision:      d,
					Comment:       comment,
					ActorName:     actor,
					ActorID:       viper.GetString("as"),
					Flags:         parsedFlags,
				}
				if lead != "" {
					opts.AssignedUserID = &lead
				}
				res, err := e.Act(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Stage %d %s: %s; initiative %s is %s at stage %d\n",
					res.Transaction.StageNumber, res.Transaction.StageName, res.Transaction.Status,
					res.Initiative.ID, res.Initiative.Status, res.Initiative.CurrentStage)
				if len(res.Next) > 0 {
					return printLedger(res.Next)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject")
	cmd.Flags().StringVar(&comment, "comment", "", "comment (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "actor name when not acting --as a directory user")
	cmd.Flags().StringVar(&lead, "lead", "", "user id of the lead, required to approve stage 3")
	cmd.Flags().StringSliceVar(&flags, "flag", nil, "stage flag as key=true|false (repeatable)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func pendingCmd() *cobra.Command {
	var role, site string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending rows for a role, or for the --as user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var rows []domain.StageTransaction
				var err error
				switch {
				case role == "" && site == "":
					user := viper.GetString("as")
					if user == "" {
						return fmt.Errorf("--role or --as is required")
					}
					rows, err = e.GetPendingForUser(ctx, user)
				case site == "":
					rows, err = e.GetPending(ctx, role)
				default:
					rows, err = e.GetPendingAtSite(ctx, site, role)
				}
				if err != nil {
					return err
				}
				return printLedger(rows)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "required role")
	cmd.Flags().StringVar(&site, "site", "", "site code")
	return cmd
}

func closureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "closure",
		Short: "List initiatives whose closure stage is approved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetReadyForClosure(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Site", "Status", "Closed by", "Closed at"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Site, s.Status, s.ClosedBy, s.ClosedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	c := &cobra.Command{Use: "user", Short: "Directory users"}
	var site string
	list := &cobra.Command{
		Use:   "list",
		Short: "List directory users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx, site)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable(table.Row{"ID", "Name", "Email", "Site", "Role", "Priority", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Site, u.Role, u.Priority, u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&site, "site", "", "filter by site")
	c.AddCommand(list)
	return c
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	c.AddCommand(apikeyCreateCmd())
	c.AddCommand(apikeyListCmd())
	c.AddCommand(apikeyRevokeCmd())
	return c
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a directory user; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return fmt.Errorf("user %s: %w", userID, err)
				}
				key, err := newAPIKey()
				if err != nil {
					return err
				}
				rec := domain.APIKey{ID: uuid.NewString(), UserID: userID, Name: name, KeyHash: repo.HashAPIKey(key)}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "user_id": userID, "key": key})
				}
				fmt.Printf("API key %s for user %s:\n%s\n", rec.ID, userID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "directory user id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func remindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Send reminders for stale pending rows now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				sched, err := reminder.New(s.Engine, s.Config.Reminders.Schedule, s.Config.ReminderAfter(), logrus.StandardLogger())
				if err != nil {
					return err
				}
				fmt.Printf("Sent %d reminders\n", sched.RunOnce(ctx))
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the reminder schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				authCfg := server.AuthConfig{
					JWTSecret:             viper.GetString("jwt-secret"),
					AllowLegacyUserHeader: s.Config.Server.AllowLegacyHeader,
					DevLogin:              devLogin,
					Logger:                logrus.StandardLogger(),
				}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = s.Config.Server.JWTSecret
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STAGELINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: s.Engine, Tokens: s.Tokens, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				sched, err := reminder.New(s.Engine, s.Config.Reminders.Schedule, s.Config.ReminderAfter(), logrus.StandardLogger())
				if err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logrus.WithFields(logrus.Fields{"addr": addr, "base_path": basePath}).Info("serving Stageline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local use only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func openWorkspace() (*repo.Repo, func(), error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return &repo.Repo{DB: conn}, func() { conn.Close() }, nil
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	r, closeDB, err := openWorkspace()
	if err != nil {
		return err
	}
	defer closeDB()
	s, err := app.Build(r.DB, cfg, logrus.StandardLogger())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// withEngine runs fn against a fully wired engine when stageline.yml is present
// and falls back to a silent engine otherwise.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	if _, err := os.Stat(config.Path(viper.GetString("workspace"))); err == nil {
		return withServices(ctx, func(ctx context.Context, s *app.Services) error {
			return fn(ctx, s.Engine)
		})
	}
	r, closeDB, err := openWorkspace()
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, engine.New(r.DB))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	r, closeDB, err := openWorkspace()
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, *r)
}

func actorID() string {
	if as := viper.GetString("as"); as != "" {
		return as
	}
	return "cli"
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printInitiative(in domain.Initiative) error {
	if viper.GetBool("json") {
		return printJSON(in)
	}
	fmt.Printf("Initiative %s: %s\n", in.ID, in.Title)
	fmt.Printf("  site %s, status %s, stage %d, lead %s\n", in.Site, in.Status, in.CurrentStage, deref(in.AssignedLeadID))
	return nil
}

func printLedger(rows []domain.StageTransaction) error {
	if viper.GetBool("json") {
		return printJSON(rows)
	}
	tw := newTable(table.Row{"Stage", "Name", "Status", "Role", "Pending with", "Action by", "Transaction"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.StageNumber, r.StageName, r.Status, r.RequiredRole, r.PendingWith, deref(r.ActionBy), r.ID})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func parseFlags(in []string) (map[string]bool, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(in))
	for _, kv := range in {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --flag %q, want key=true|false", kv)
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			out[strings.TrimSpace(k)] = true
		case "false", "no", "0":
			out[strings.TrimSpace(k)] = false
		default:
			return nil, fmt.Errorf("invalid --flag %q, want key=true|false", kv)
		}
	}
	return out, nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "slk_" + hex.EncodeToString(buf), nil
}
