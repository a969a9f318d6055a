package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tandem/internal/app"
	"tandem/internal/domain"
	"tandem/internal/engine"
	"tandem/internal/journal"
	"tandem/internal/mirror"
)

func contextCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "context",
		Short: "Record and read facts and decisions",
		Long:  "Context items are immutable. Scope one to a subtask with --subtask or leave it plan-wide.",
	}
	c.AddCommand(contextFactCmd())
	c.AddCommand(contextDecisionCmd())
	c.AddCommand(contextListCmd())
	return c
}

func contextFactCmd() *cobra.Command {
	var opts engine.FactOptions
	var confidence float64
	cmd := &cobra.Command{
		Use:   "fact <content>",
		Short: "Record a fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Content = args[0]
			if cmd.Flags().Changed("confidence") {
				opts.Confidence = &confidence
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				item, err := p.Engine.AddFact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "plan id")
	cmd.Flags().StringVar(&opts.SubtaskID, "subtask", "", "subtask id")
	cmd.Flags().StringVar(&opts.Source, "source", "", "where the fact came from")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence between 0 and 1")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func contextDecisionCmd() *cobra.Command {
	var opts engine.DecisionOptions
	cmd := &cobra.Command{
		Use:   "decision <content>",
		Short: "Record a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Content = args[0]
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				item, err := p.Engine.AddDecision(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "plan id")
	cmd.Flags().StringVar(&opts.SubtaskID, "subtask", "", "subtask id")
	cmd.Flags().StringVar(&opts.Reasoning, "reasoning", "", "why this option won")
	cmd.Flags().StringArrayVar(&opts.Alternatives, "alternative", nil, "rejected alternative (repeatable)")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("reasoning")
	return cmd
}

func contextListCmd() *cobra.Command {
	var planID, taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List context of a plan or a subtask",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (planID == "") == (taskID == "") {
				return fmt.Errorf("exactly one of --plan or --subtask is required")
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				var items []domain.ContextItem
				var err error
				if planID != "" {
					items, err = p.Engine.GetContextForPlan(ctx, planID)
				} else {
					items, err = p.Engine.GetContextForTask(ctx, taskID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Type", "Subtask", "Content", "Detail"})
				for _, item := range items {
					detail := deref(item.Source)
					if item.ItemType == domain.ContextDecision {
						detail = deref(item.Reasoning)
					}
					tw.AppendRow(table.Row{item.ItemType, deref(item.SubtaskID), item.Content, detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&taskID, "subtask", "", "subtask id")
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "review",
		Short: "Request and resolve plan reviews",
	}
	r.AddCommand(reviewRequestCmd())
	r.AddCommand(reviewResolveCmd())
	r.AddCommand(reviewListCmd())
	return r
}

func reviewRequestCmd() *cobra.Command {
	var reviewer string
	cmd := &cobra.Command{
		Use:   "request <plan-id>",
		Short: "Open a pending review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := domain.ParseReviewerType(reviewer)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				r, err := p.Engine.RequestReview(ctx, args[0], rt)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", string(domain.ReviewerAgent), "agent or human")
	return cmd
}

func reviewResolveCmd() *cobra.Command {
	var status string
	var notes []string
	cmd := &cobra.Command{
		Use:   "resolve <review-id>",
		Short: "Approve, request changes, or reopen a review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseReviewStatus(status)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				r, err := p.Engine.ResolveReview(ctx, args[0], to, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "approved, changes_requested or pending")
	cmd.Flags().StringArrayVar(&notes, "note", nil, "review note (repeatable)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func reviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <plan-id>",
		Short: "List the reviews of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				reviews, err := p.Engine.GetReviewsForPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reviews)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Reviewer", "Status", "Notes", "Updated"})
				for _, r := range reviews {
					tw.AppendRow(table.Row{r.ID, r.ReviewerType, r.Status, strings.Join(r.Notes, "; "), r.UpdatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventCmd() *cobra.Command {
	e := &cobra.Command{
		Use:   "event",
		Short: "Record and read audit events",
	}
	e.AddCommand(eventRecordCmd())
	e.AddCommand(eventListCmd())
	e.AddCommand(eventTailCmd())
	return e
}

func eventRecordCmd() *cobra.Command {
	var opts engine.EventOptions
	var data string
	cmd := &cobra.Command{
		Use:   "record <event-type>",
		Short: "Record an event such as worker_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseEventType(args[0])
			if err != nil {
				return err
			}
			opts.Type = t
			if data != "" {
				opts.Data = json.RawMessage(data)
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				evt, err := p.Engine.RecordEvent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "plan id")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload (any JSON value)")
	return cmd
}

func eventListCmd() *cobra.Command {
	var planID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events of a plan, or the oldest events of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				var evts []domain.Event
				var err error
				if planID != "" {
					evts, err = p.Engine.GetEventsForPlan(ctx, planID)
				} else {
					evts, err = p.Engine.EventsAfter(ctx, mirror.EventCursor{}, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Type", "Plan", "Task", "Data"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.Timestamp.Format("2006-01-02 15:04:05"), evt.EventType, deref(evt.PlanID), deref(evt.TaskID), string(evt.Data)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events without --plan")
	return cmd
}

func eventTailCmd() *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events as they are appended, until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				tail, err := p.Engine.Log.Tail(domain.KindEvent)
				if err != nil {
					return err
				}
				defer tail.Close()
				return journal.Follow(ctx, tail, func(evt domain.Event) error {
					if planID != "" && deref(evt.PlanID) != planID {
						return nil
					}
					if viper.GetBool("json") {
						b, err := json.Marshal(evt)
						if err != nil {
							return err
						}
						fmt.Println(string(b))
						return nil
					}
					fmt.Printf("%s  %-24s %s %s %s\n", evt.Timestamp.Format("2006-01-02 15:04:05"), evt.EventType, deref(evt.PlanID), deref(evt.TaskID), string(evt.Data))
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "only events of this plan")
	return cmd
}
