package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/automata/internal/actions"
	"github.com/rendis/automata/internal/ledger"
	"github.com/rendis/automata/internal/service"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		a, err := openApp(cmd.Context(), cfg, newLogger(cfg), nil)
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Database ready at %s\n", cfg.DBPath)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a workflow definition file (YAML or JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadWorkflowFile(args[0])
		if err != nil {
			return err
		}
		_, _, _, v, err := newValidator(actions.BuiltinDeps{Ledger: offlineLedger{}})
		if err != nil {
			return err
		}
		result := v.ValidateDefinition(def)
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.Valid() {
			return fmt.Errorf("%s has %d validation error(s)", args[0], len(result.Errors))
		}
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <file>",
	Short: "Save a workflow definition file as a draft and publish it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadWorkflowFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			draft, result, err := a.service.SaveDraft(cmd.Context(), def)
			if err != nil {
				return err
			}
			if !result.Valid() {
				_ = printJSON(cmd.OutOrStdout(), result)
				return fmt.Errorf("draft %s saved but not published: %d validation error(s)", draft.ID, len(result.Errors))
			}
			published, _, err := a.service.PublishDefinition(cmd.Context(), draft.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), published)
		})
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <wf-definition-id>",
	Short: "Trigger an execution and drive it until it completes, fails or waits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		triggerType, _ := cmd.Flags().GetString("type")
		key, _ := cmd.Flags().GetString("idempotency-key")
		rawInput, _ := cmd.Flags().GetString("input")

		var input map[string]any
		if rawInput != "" {
			if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
				return fmt.Errorf("--input must be a JSON object: %w", err)
			}
		}

		return withApp(cmd.Context(), func(a *app) error {
			adm, err := a.service.CreateExecution(cmd.Context(), service.CreateExecutionRequest{
				WfDefinitionID: args[0],
				TriggerType:    schema.TriggerType(triggerType),
				IdempotencyKey: key,
				Input:          input,
			})
			if err != nil {
				return err
			}
			if !adm.Accepted() {
				return printJSON(cmd.OutOrStdout(), adm)
			}
			res, err := a.service.Drive(cmd.Context(), adm.ExecutionID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the status, variables and step traces of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			status, err := a.service.GetExecutionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		})
	},
}

func init() {
	triggerCmd.Flags().StringP("type", "t", string(schema.TriggerManual), "Trigger type: manual, api or webhook")
	triggerCmd.Flags().StringP("idempotency-key", "k", "", "Idempotency key; a repeated key is reported as duplicate")
	triggerCmd.Flags().StringP("input", "i", "", "Trigger input as a JSON object")
}

// offlineLedger registers the records actions for validation without a database.
type offlineLedger struct{}

func (offlineLedger) FindAndClaimUnprocessed(context.Context, ledger.ClaimRequest) (*store.Record, error) {
	return nil, errOffline
}

func (offlineLedger) RecordProcessed(context.Context, string, string, string) error {
	return errOffline
}

var errOffline = errors.New("ledger not available during offline validation")

func withApp(ctx context.Context, fn func(*app) error) error {
	cfg := loadConfig()
	a, err := openApp(ctx, cfg, newLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
