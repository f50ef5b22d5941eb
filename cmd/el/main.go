package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"epicline/internal/config"
	"epicline/internal/db"
	"epicline/internal/domain"
	"epicline/internal/engine"
	"epicline/internal/llm"
	"epicline/internal/migrate"
	"epicline/internal/repo"
	"epicline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "el",
	Short: "Epicline CLI",
	Long: `Epicline co-authors product epics with a model through conversation.
An epic moves through a fixed lifecycle (problem_capture -> problem_confirmed ->
outcome_capture -> outcome_confirmed -> epic_drafted -> epic_locked); the model
may propose wording for the current stage's fields, and nothing is written into
the epic until you explicitly confirm the proposal. Every message lands on an
append-only transcript and every verdict on an append-only decision log, so the
epic's state is always replayable from its decisions alone.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EPICLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner-id", "local-user", "owner identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(transcriptCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(serveCmd())
}

func epicCmd() *cobra.Command {
	epic := &cobra.Command{Use: "epic", Short: "Manage epics"}
	epic.AddCommand(epicCreateCmd())
	epic.AddCommand(epicListCmd())
	epic.AddCommand(epicShowCmd())
	epic.AddCommand(epicDeleteCmd())
	epic.AddCommand(epicVerifyCmd())
	return epic
}

func epicCreateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				ep, err := e.CreateEpic(ctx, title, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "epic title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func epicListCmd() *cobra.Command {
	var stage string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List epics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListEpics(ctx, repo.EpicFilters{Stage: stage, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Owner", "Updated"})
				for _, ep := range items {
					tw.AppendRow(table.Row{ep.ID, ep.Title, ep.Stage, ep.OwnerID, ep.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func epicShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <epic-id>",
		Short: "Show an epic with its snapshot and pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				detail, err := e.GetEpic(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	return cmd
}

func epicDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <epic-id>",
		Short: "Delete an epic and all its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteEpic(ctx, args[0])
			})
		},
	}
	return cmd
}

func epicVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <epic-id>",
		Short: "Replay the decision log and compare against stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				if err := e.VerifyReplay(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("replay ok: decision log matches stored stage and snapshot")
				return nil
			})
		},
	}
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <epic-id> [message]",
		Short: "Converse with the model about an epic",
		Long: `Send one message, or start an interactive session when no message is given.
The model's reply streams to stdout; when it ends in a proposal you are asked
to confirm or reject it on the spot.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e *engine.Engine) error {
				epicID := args[0]
				if len(args) == 2 {
					return runTurn(ctx, e, epicID, args[1])
				}
				scanner := bufio.NewScanner(os.Stdin)
				for {
					fmt.Print("> ")
					if !scanner.Scan() {
						return scanner.Err()
					}
					text := strings.TrimSpace(scanner.Text())
					if text == "" {
						continue
					}
					if text == "/quit" || text == "/exit" {
						return nil
					}
					if err := runTurn(ctx, e, epicID, text); err != nil {
						fmt.Println("error:", err)
					}
				}
			})
		},
	}
	return cmd
}

func runTurn(ctx context.Context, e *engine.Engine, epicID, text string) error {
	turn, err := e.SubmitMessage(ctx, epicID, text)
	if err != nil {
		return err
	}
	var proposal *domain.PendingProposal
	for ev := range turn.Events() {
		switch {
		case ev.Chunk != "":
			fmt.Print(ev.Chunk)
		case ev.Proposal != nil:
			proposal = ev.Proposal
		}
	}
	fmt.Println()
	if err := turn.Err(); err != nil {
		return err
	}
	if proposal == nil {
		return nil
	}
	printProposal(*proposal)
	fmt.Print("Confirm this proposal? [y/n/later] ")
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		detail, err := e.ResolveProposal(ctx, epicID, proposal.ID, true)
		if err != nil {
			return err
		}
		fmt.Printf("Confirmed. Stage is now %s.\n", detail.Epic.Stage)
	case "n", "no":
		if _, err := e.ResolveProposal(ctx, epicID, proposal.ID, false); err != nil {
			return err
		}
		fmt.Println("Rejected. Stage unchanged.")
	default:
		fmt.Printf("Left pending. Resolve with: el resolve %s %s --confirm|--reject\n", epicID, proposal.ID)
	}
	return nil
}

func printProposal(p domain.PendingProposal) {
	fmt.Printf("\n--- proposal %s (advances to %s) ---\n", p.ID, p.TargetStage)
	fmt.Println(p.Content)
	for name, value := range p.Fields {
		b, _ := json.Marshal(value)
		fmt.Printf("  %s: %s\n", name, string(b))
	}
	fmt.Println("---")
}

func resolveCmd() *cobra.Command {
	var confirm, reject bool
	cmd := &cobra.Command{
		Use:   "resolve <epic-id> <proposal-id>",
		Short: "Confirm or reject the pending proposal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if confirm == reject {
				return fmt.Errorf("exactly one of --confirm or --reject is required")
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				detail, err := e.ResolveProposal(ctx, args[0], args[1], confirm)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the proposal")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the proposal")
	return cmd
}

func transcriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript <epic-id>",
		Short: "Show the full transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				items, err := e.GetTranscript(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, ev := range items {
					fmt.Printf("[%s] %s (%s): %s\n", ev.TS, ev.Role, ev.Stage, ev.Content)
				}
				return nil
			})
		},
	}
	return cmd
}

func decisionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions <epic-id>",
		Short: "Show the decision log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				items, err := e.GetDecisions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Type", "From", "To", "Proposal", "At"})
				for _, d := range items {
					to, prop := "", ""
					if d.ToStage != nil {
						to = *d.ToStage
					}
					if d.ProposalID != nil {
						prop = *d.ProposalID
					}
					tw.AppendRow(table.Row{d.ID, d.Type, d.FromStage, to, prop, d.TS})
				}
				tw.Render()
				return nil
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
			return withEngine(cmd.Context(), true, func(ctx context.Context, e *engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Log: logger()})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					fmt.Printf("Serving Epicline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, needModel bool, fn func(context.Context, *engine.Engine) error) error {
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
	var model llm.Client
	if needModel {
		m, err := llm.NewAnthropic("", cfg.Model.Name)
		if err != nil {
			return err
		}
		model = m
	}
	e := engine.New(conn, cfg, model, logger())
	return fn(ctx, e)
}

func logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
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
