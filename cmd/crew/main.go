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

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/host"
	"crewline/internal/migrate"
	"crewline/internal/persona"
	"crewline/internal/persona/anthropiccaller"
	"crewline/internal/persona/httpcaller"
	"crewline/internal/persona/scripted"
	"crewline/internal/server"
	"crewline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crewline CLI",
	Long: `Crewline turns feature requests into reviewed, merged changes by
coordinating persona agents (product owner, architect, security, QA, ...).
Submit an epic, let the crew break it down, open PRs, review, and merge.
Items move backlog -> ready -> in_progress -> in_review -> approved -> merged
-> deployed; reviews are aggregated with an absolute security veto.`,
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
	viper.SetEnvPrefix("CREWLINE")
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
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(deadletterCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			fmt.Println("initialized workspace at", workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "my-project", "project id")
	return cmd
}

func epicCmd() *cobra.Command {
	epic := &cobra.Command{Use: "epic", Short: "Manage epics"}
	epic.AddCommand(epicSubmitCmd())
	return epic
}

func epicSubmitCmd() *cobra.Command {
	var title, description string
	var criteria []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an epic for breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SubmitEpic(ctx, title, description, criteria)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "epic title")
	cmd.Flags().StringVar(&description, "description", "", "epic description")
	cmd.Flags().StringArrayVar(&criteria, "criterion", nil, "acceptance criterion (repeatable)")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemTransitionCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.CreateItemOptions
	var assignedTo string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AssignedTo = assignedTo
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", domain.TypeTask, "item type (epic|story|task|subtask|bug)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "item title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "item description")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent item id")
	cmd.Flags().StringVar(&assignedTo, "assignee", "", "assigned persona or user")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher first)")
	cmd.Flags().StringArrayVar(&opts.Labels, "label", nil, "label (repeatable)")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f store.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Store.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status", "Assignee", "Blocked"})
				for _, it := range items {
					assignee := ""
					if it.AssignedTo != nil {
						assignee = *it.AssignedTo
					}
					blocked := ""
					if it.BlockedReason != nil {
						blocked = *it.BlockedReason
					}
					tw.AppendRow(table.Row{it.ID, it.Type, it.Title, it.Status, assignee, blocked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent item id")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Store.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(item)
				}
				fmt.Println(domain.Markdown(item))
				return nil
			})
		},
	}
	return cmd
}

func itemTransitionCmd() *cobra.Command {
	var to string
	var version int64
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.TransitionItem(ctx, args[0], to, version, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().Int64Var(&version, "version", 0, "expected version (0 skips the check)")
	return cmd
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{Use: "review", Short: "Review bundles"}
	review.AddCommand(reviewShowCmd())
	review.AddCommand(reviewSubmitCmd())
	return review
}

func reviewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show the review bundle and current verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcome, err := e.Aggregate(ctx, args[0])
				if err != nil {
					return err
				}
				responses, err := e.Store.ListReviewResponses(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"verdict":   outcome.Verdict,
						"reasoning": outcome.Reasoning,
						"responses": responses,
					})
				}
				fmt.Printf("verdict: %s (%s)\n", outcome.Verdict, outcome.Reasoning)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Decision", "Reasoning", "Submitted"})
				for _, r := range responses {
					tw.AppendRow(table.Row{r.ReviewerRole, r.Decision, r.Reasoning, r.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewSubmitCmd() *cobra.Command {
	var role, decision, reasoning string
	cmd := &cobra.Command{
		Use:   "submit <item-id>",
		Short: "Submit a reviewer response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || decision == "" {
				return fmt.Errorf("--role and --decision required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resp, err := e.SubmitReview(ctx, args[0], role, domain.ReviewResponse{
					Decision:  decision,
					Reasoning: reasoning,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "reviewer role")
	cmd.Flags().StringVar(&decision, "decision", "", "approve|request_changes|block|comment")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "review reasoning")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var kind, subjectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Store.ListEvents(ctx, store.EventFilters{
					Kind:      kind,
					SubjectID: subjectID,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject item id")
	return cmd
}

func deadletterCmd() *cobra.Command {
	dl := &cobra.Command{Use: "deadletter", Short: "Dead-lettered deliveries"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				letters, err := e.Store.ListDeadLetters(ctx, 50)
				if err != nil {
					return err
				}
				return printJSONOrTable(letters)
			})
		},
	}
	dl.AddCommand(list)
	return dl
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(config.Path(viper.GetString("workspace")))
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noOrchestrator bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
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
			e := engine.New(conn, cfg)
			e.Host, e.CI = buildHost(cfg)

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					APIKey:    firstNonEmpty(os.Getenv("CREWLINE_API_KEY"), cfg.Server.APIKey),
					JWTSecret: firstNonEmpty(os.Getenv("CREWLINE_JWT_SECRET"), cfg.Server.JWTSecret),
				},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if !noOrchestrator {
				gw, err := buildGateway(cfg)
				if err != nil {
					return err
				}
				orch := engine.NewOrchestrator(e, gw)
				go func() {
					if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						fmt.Println("orchestrator stopped:", err)
						cancel()
					}
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Crewline API on http://%s (OpenAPI at /openapi.json)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noOrchestrator, "no-orchestrator", false, "serve the API without the event loop")
	return cmd
}

// buildGateway binds every cataloged role to its provider.
func buildGateway(cfg *config.Config) (*persona.Gateway, error) {
	callers := make(map[string]persona.Caller, len(cfg.Personas.Catalog))
	var anthropicClient *anthropic.Client
	for role, pc := range cfg.Personas.Catalog {
		switch pc.Provider {
		case "anthropic":
			if anthropicClient == nil {
				client := anthropic.NewClient()
				anthropicClient = &client
			}
			callers[role] = anthropiccaller.New(*anthropicClient, role, pc.Model, pc.Description)
		case "http":
			if pc.Endpoint == "" {
				return nil, fmt.Errorf("persona %s: http provider requires endpoint", role)
			}
			callers[role] = httpcaller.New(role, pc.Endpoint)
		case "scripted":
			callers[role] = scripted.New(role, "")
		default:
			return nil, fmt.Errorf("persona %s: unknown provider %q", role, pc.Provider)
		}
	}
	return persona.NewGateway(callers,
		persona.WithTimeout(cfg.GatewayTimeout()),
		persona.WithMaxRetries(cfg.GatewayMaxRetries()),
	), nil
}

func buildHost(cfg *config.Config) (host.Host, host.CI) {
	bridge := os.Getenv("CREWLINE_HOST_URL")
	if bridge == "" {
		return nil, nil
	}
	h := host.NewHTTP(bridge, cfg.Project.Repo)
	h.APIKey = os.Getenv("CREWLINE_HOST_KEY")
	ci := host.NewHTTPCI(bridge, cfg.Project.Repo)
	ci.APIKey = h.APIKey
	return h, ci
}

// --- helpers ---

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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("local")
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
