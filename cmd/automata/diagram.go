package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/automata/internal/diagram"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

var diagramCmd = &cobra.Command{
	Use:   "diagram <file|wf-definition-id>",
	Short: "Render the step graph of a workflow as Mermaid or ASCII",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		executionID, _ := cmd.Flags().GetString("execution")

		var (
			def    *schema.WorkflowDefinition
			traces []*store.StepTrace
		)
		if _, err := os.Stat(args[0]); err == nil && executionID == "" {
			if def, err = loadWorkflowFile(args[0]); err != nil {
				return err
			}
		} else {
			err := withApp(cmd.Context(), func(a *app) error {
				var err error
				def, traces, err = loadStoredGraph(cmd.Context(), a, args[0], executionID)
				return err
			})
			if err != nil {
				return err
			}
		}

		model, err := diagram.Build(def, traces)
		if err != nil {
			return err
		}
		switch format {
		case "mermaid":
			fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
		case "ascii":
			fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
		default:
			return fmt.Errorf("unknown format %q (want mermaid or ascii)", format)
		}
		return nil
	},
}

// loadStoredGraph fetches a definition and, when executionID is set, the step
// traces of that execution. With an execution the definition comes from it.
func loadStoredGraph(ctx context.Context, a *app, definitionID, executionID string) (*schema.WorkflowDefinition, []*store.StepTrace, error) {
	var traces []*store.StepTrace
	if executionID != "" {
		status, err := a.service.GetExecutionStatus(ctx, executionID)
		if err != nil {
			return nil, nil, err
		}
		definitionID = status.WfDefinitionID
		traces = status.Steps
	}
	def, err := a.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, nil, err
	}
	return def, traces, nil
}

func init() {
	diagramCmd.Flags().StringP("format", "f", "ascii", "Output format: mermaid or ascii")
	diagramCmd.Flags().StringP("execution", "e", "", "Overlay the step traces of this execution")
}
