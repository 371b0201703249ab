package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/app"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/blocks"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/config"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/engine"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/matcher"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/mdm"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/repo"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/syncqueue"
)

func initCmd() *cobra.Command {
	var deviceID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pulsearc.yml and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" {
				deviceID = uuid.NewString()
			}
			ws := viper.GetString("workspace")
			written, err := app.Init(cmd.Context(), ws, deviceID, force)
			if err != nil {
				return err
			}
			if written {
				fmt.Printf("wrote %s for device %s\n", config.Path(ws), deviceID)
			} else {
				fmt.Printf("kept existing %s (use --force to overwrite)\n", config.Path(ws))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device id (random when empty)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func wbsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wbs", Short: "Manage the local WBS registry"}
	cmd.AddCommand(wbsImportCmd())
	cmd.AddCommand(wbsSearchCmd())
	return cmd
}

func wbsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Replace the registry with the elements of a JSON array file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var elems []domain.WbsElement
			if err := readJSONFile(args[0], &elems); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.ImportWbs(ctx, localUser(), elems); err != nil {
					return err
				}
				active, err := rt.Engine.Repo.CountActiveWbs(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("imported %d elements (%d active)\n", len(elems), active)
				return nil
			})
		},
	}
}

func wbsSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search TERM...",
		Short: "Full-text search over the registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.SearchKeyword(ctx, strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				return render(items, func() {
					tw := newTable("WBS", "Project", "Name", "Deal", "Status")
					for _, w := range items {
						tw.AppendRow([]any{w.WbsCode, w.ProjectDef, w.ProjectName, w.DealName, w.Status})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func blocksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "blocks", Short: "Build and inspect proposed blocks"}
	cmd.AddCommand(blocksBuildCmd())
	cmd.AddCommand(blocksListCmd())
	return cmd
}

func blocksBuildCmd() *cobra.Command {
	var day, segmentsFile string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Preview the blocks a day of segments would produce (nothing is stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var segs []domain.ActivitySegment
			if err := readJSONFile(segmentsFile, &segs); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				dayEpoch, err := blocks.ParseDay(day, rt.Engine.Location)
				if err != nil {
					return errs.Validation("day", "must be YYYY-MM-DD", day)
				}
				return renderBlocks(rt.Engine.Builder.Build(segs, dayEpoch), rt)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD")
	cmd.Flags().StringVar(&segmentsFile, "segments", "", "JSON array of activity segments")
	_ = cmd.MarkFlagRequired("day")
	_ = cmd.MarkFlagRequired("segments")
	return cmd
}

func blocksListCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the stored blocks of a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ProposedBlocks(ctx, day)
				if err != nil {
					return err
				}
				return renderBlocks(items, rt)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("day")
	return cmd
}

func renderBlocks(items []domain.ProposedBlock, rt *app.Runtime) error {
	return render(items, func() {
		tw := newTable("Start", "End", "Minutes", "WBS", "Workstream", "Confidence", "Billable", "Status")
		for _, b := range items {
			tw.AppendRow([]any{
				clock(b.StartTS, rt), clock(b.EndTS, rt), b.DurationSecs / 60,
				b.InferredWbsCode, b.InferredWorkstream, fmt.Sprintf("%.2f", b.Confidence), b.Billable, b.Status,
			})
		}
		tw.Render()
	})
}

func clock(ts int64, rt *app.Runtime) string {
	return time.Unix(ts, 0).In(rt.Engine.Location).Format("15:04")
}

func matchCmd() *cobra.Command {
	var obs matcher.Observation
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Rank WBS candidates for an observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := matcher.New(ctx, rt.Engine.Repo, matcher.WithLogger(rt.Logger))
				if err != nil {
					return err
				}
				s := rt.Engine.Extractor.Extract(obs)
				cands := m.Candidates(ctx, s)
				best := m.Match(ctx, s)
				out := struct {
					Signals    domain.ContextSignals `json:"signals"`
					Candidates []domain.ProjectMatch `json:"candidates"`
					Best       domain.ProjectMatch   `json:"best"`
				}{s, cands, best}
				return render(out, func() {
					tw := newTable("WBS", "Deal", "Workstream", "Confidence", "Reasons")
					for _, c := range cands {
						tw.AppendRow([]any{c.WbsCode, c.DealName, c.Workstream, fmt.Sprintf("%.2f", c.Confidence), strings.Join(c.Reasons, ", ")})
					}
					tw.Render()
					fmt.Printf("best: %s (%s, %.2f)\n", best.WbsCode, best.DealName, best.Confidence)
				})
			})
		},
	}
	cmd.Flags().StringVar(&obs.AppName, "app", "", "application name")
	cmd.Flags().StringVar(&obs.WindowTitle, "title", "", "window title")
	cmd.Flags().StringVar(&obs.URL, "url", "", "browser URL")
	cmd.Flags().StringVar(&obs.DocumentPath, "path", "", "document path")
	return cmd
}

func piiCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pii", Short: "PII detection"}
	cmd.AddCommand(&cobra.Command{
		Use:   "redact [TEXT]",
		Short: "Redact PII from TEXT or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := textArg(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Authorize(localUser(), engine.PermPIIUse); err != nil {
					return err
				}
				out, err := rt.Engine.PII.Redact(ctx, text)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			})
		},
	})
	return cmd
}

func textArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func mdmCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mdm", Short: "MDM policy"}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a policy file and print its digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := mdm.LoadFile(args[0])
			if err != nil {
				return err
			}
			return printPolicy(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "fetch",
		Short: "Fetch the remote policy, merge it and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Authorize(localUser(), engine.PermConfigWrite); err != nil {
					return err
				}
				if err := rt.Engine.Policy.Refresh(ctx); err != nil {
					return err
				}
				return printPolicy(rt.Engine.Policy.Current())
			})
		},
	})
	return cmd
}

func printPolicy(cfg mdm.Config) error {
	digest, err := mdm.Digest(cfg)
	if err != nil {
		return err
	}
	return render(map[string]any{"digest": digest, "config": cfg}, func() {
		tw := newTable("Rule", "Type", "Required", "Severity")
		for _, r := range cfg.ComplianceChecks {
			tw.AppendRow([]any{r.Name, r.ValidationType, r.Required, r.Severity})
		}
		tw.Render()
		fmt.Printf("enforcing: %t\ndigest: %s\n", cfg.PolicyEnforcement, digest)
	})
}

func runCmd() *cobra.Command {
	var day, segmentsFile string
	var drain bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Classify a day of segments and queue the blocks for sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			var segs []domain.ActivitySegment
			if err := readJSONFile(segmentsFile, &segs); err != nil {
				return err
			}
			return withStarted(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ProcessDay(ctx, localUser(), engine.ProcessRequest{Day: day, Segments: segs})
				if err != nil {
					return err
				}
				if err := renderBlocks(res.Blocks, rt); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "enqueued %d, blocked %d\n", res.Enqueued, res.Blocked)
				if !drain {
					return nil
				}
				rep, err := rt.Engine.Drain(ctx, localUser())
				fmt.Fprintf(os.Stderr, "sync: %d sent, %d rejected, %d retrying\n", rep.Sent, rep.Rejected, rep.Retrying)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD")
	cmd.Flags().StringVar(&segmentsFile, "segments", "", "JSON array of activity segments")
	cmd.Flags().BoolVar(&drain, "drain", false, "send the queue to the backend afterwards")
	_ = cmd.MarkFlagRequired("day")
	_ = cmd.MarkFlagRequired("segments")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Sync queue"}
	var status string
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue metrics and items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStarted(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Authorize(localUser(), engine.PermQueueRead); err != nil {
					return err
				}
				m := rt.Engine.Queue.Metrics()
				items := rt.Engine.Queue.ItemsByStatus(syncqueue.Status(status))
				return render(map[string]any{"metrics": m, "items": items}, func() {
					mt := newTable("Size", "Processing", "Capacity", "Pushed", "Completed", "Failed", "Retried", "Cancelled")
					mt.AppendRow([]any{m.Size, m.Processing, m.Capacity, m.Pushed, m.Completed, m.Failed, m.Retried, m.Cancelled})
					mt.Render()
					tw := newTable("ID", "Priority", "Status", "Retries", "Block", "Day", "Error")
					for _, it := range items {
						tw.AppendRow([]any{it.ID, it.Priority, it.Status, it.RetryCount, it.CorrelationID, it.PartitionKey, it.Error})
					}
					tw.Render()
				})
			})
		},
	}
	inspect.Flags().StringVar(&status, "status", string(syncqueue.StatusPending), "item status to list")
	cmd.AddCommand(inspect)
	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Send due items to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStarted(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.Drain(ctx, localUser())
				if rerr := render(rep, func() {
					tw := newTable("Batches", "Sent", "Rejected", "Retrying", "Dropped", "Cancelled")
					tw.AppendRow([]any{rep.Batches, rep.Sent, rep.Rejected, rep.Retrying, rep.Dropped, rep.Cancelled})
					tw.Render()
				}); rerr != nil {
					return rerr
				}
				return err
			})
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Audit log"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize the audit log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Authorize(localUser(), engine.PermAuditRead); err != nil {
					return err
				}
				path := rt.Config.AuditSettings(rt.Workspace).FilePath
				if path == "" {
					return errs.Config("no audit file configured", "audit.file_path")
				}
				entries, err := audit.ReadFile(path)
				if err != nil {
					return err
				}
				st := audit.Summarize(entries)
				return render(st, func() {
					tw := newTable("Event", "Count")
					for k, v := range st.ByEventType {
						tw.AppendRow([]any{k, v})
					}
					tw.SortBy([]table.SortBy{{Name: "Count", Mode: table.DscNumeric}})
					tw.AppendFooter([]any{"total", st.Total})
					tw.Render()
					sev := newTable("Severity", "Count")
					for _, s := range []audit.Severity{audit.SeverityInfo, audit.SeverityWarning, audit.SeverityError, audit.SeverityCritical, audit.SeveritySecurity} {
						sev.AppendRow([]any{s.String(), st.BySeverity[s.String()]})
					}
					sev.Render()
				})
			})
		},
	})
	return cmd
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail pipeline events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return render(items, func() {
					tw := newTable("ID", "Time", "Type", "Day", "Entity", "Actor", "Payload")
					for _, e := range items {
						tw.AppendRow([]any{e.ID, e.TS, e.Type, e.Day, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Day, "day", "", "filter by day")
	cmd.Flags().StringVar(&f.Type, "type", "", "filter by event type")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "filter by entity kind")
	return cmd
}
