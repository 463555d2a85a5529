package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepwise/pkg/api"
)

func newSubmitCmd(a *app) *cobra.Command {
	var steps []string

	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Create a workflow from a goal",
		Long: `Create a workflow from a goal. Without --step the travel planner builds
the chain; with --step the chain is taken verbatim. A step is written
as name or name@agent, and WAIT:<millis> inserts a wait.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			goal := strings.Join(args, " ")

			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var wf *api.Workflow
			if len(steps) == 0 {
				wf, err = rt.engine.Submit(ctx, goal)
			} else {
				var specs []api.StepSpec
				specs, err = parseSteps(steps)
				if err == nil {
					wf, err = rt.engine.CreateWorkflow(ctx, goal, specs)
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), wf.ID)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&steps, "step", "s", nil, "explicit step as name[@agent], repeatable")
	return cmd
}

func parseSteps(raw []string) ([]api.StepSpec, error) {
	specs := make([]api.StepSpec, 0, len(raw))
	for _, r := range raw {
		name, agent, _ := strings.Cut(r, "@")
		spec, err := api.ParseStepSpec(strings.TrimSpace(name), strings.TrimSpace(agent))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func newDrainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Execute every step that is eligible now, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			n := 0
			for {
				processed, err := rt.engine.ProcessOne(ctx)
				if err != nil {
					return err
				}
				if !processed {
					break
				}
				n++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d step(s)\n", n)
			return nil
		},
	}
}

func newRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset steps left RUNNING by a crash and repair interrupted chains",
		Long: `Reset steps left RUNNING by a crash and repair interrupted chains.
Run it only while no worker is attached to the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.engine.Recover(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d step(s)\n", n)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var showLogs bool

	cmd := &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow's steps and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			wf, err := rt.engine.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := rt.engine.ListSteps(ctx, api.StepFilter{WorkflowID: wf.ID})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderWorkflow(wf, steps, showLogs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showLogs, "logs", false, "print every step's log lines")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows with their progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			wfs, err := rt.engine.ListWorkflows(ctx, api.WorkflowFilter{Limit: limit})
			if err != nil {
				return err
			}
			sums := make([]api.Summary, len(wfs))
			for i, wf := range wfs {
				steps, err := rt.engine.ListSteps(ctx, api.StepFilter{WorkflowID: wf.ID})
				if err != nil {
					return err
				}
				sums[i] = api.Summarize(steps)
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderList(wfs, sums))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n workflows")
	return cmd
}
