package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"bitbucket.org/mmdatafocus/marketplace_backend/workflow"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Operator CLI for the abandoned process manager. Every command except
// trigger and hash-key talks to MySQL (and Redis when available) directly.
func main() {
	rootCmd := &cobra.Command{
		Use:           "abandoned-gc",
		Short:         "Detect, inspect and clean up abandoned marketplace processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(hashKeyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if appErr := utils.AsAppError(err); appErr.Kind == utils.ErrorKindValidation {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

// commandContext applies --timeout and tags the context with the operator and
// a fresh correlation id so CLI actions are traceable in the logs.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx := utils.SetOperatorInContext(cmd.Context(), operatorName())
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// connect opens MySQL and Redis and builds the manager. Redis is optional:
// without it locks and the read cache are skipped.
func connect() *workflow.AbandonedProcessManager {
	config.ConnectDatabaseWithRetry()
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		config.ConnectRedisWithRetry()
	}
	if config.EnvBool("RUN_MIGRATIONS") {
		models.MigrateTable()
	}
	return workflow.NewConfiguredAbandonedProcessManager(config.GetLogger(), config.GetAbandonedSettings())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan marketplace tables for processes stuck past their threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, _ := cmd.Flags().GetStringSlice("type")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			ctx, cancel := commandContext(cmd)
			defer cancel()
			report, err := connect().Scan(ctx, workflow.ScanRequest{ProcessTypes: types, DryRun: dryRun})
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("scan finished with %d failed process type(s)", len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceP("type", "t", nil, "Process types to scan (default: all)")
	cmd.Flags().Bool("dry-run", false, "Count candidates without writing tracking records")
	return cmd
}

func listRequestFromFlags(cmd *cobra.Command) workflow.ListRequest {
	processType, _ := cmd.Flags().GetString("type")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	return workflow.ListRequest{
		ProcessType: strings.TrimSpace(processType),
		Status:      strings.TrimSpace(status),
		Limit:       limit,
		Offset:      offset,
	}
}

func addListFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("type", "t", "", "Filter by process type")
	cmd.Flags().StringP("status", "s", "", "Filter by status")
	cmd.Flags().IntP("limit", "n", models.DefaultPageLimit, "Page size")
	cmd.Flags().Int("offset", 0, "Rows to skip")
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracking records, newest detection first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			page, err := connect().List(ctx, listRequestFromFlags(cmd))
			if err != nil {
				return err
			}
			return printJSON(page)
		},
	}
	addListFlags(cmd)
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one tracking record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			rec, err := connect().Get(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
}

func updateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Move a tracking record to notified, escalated or resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			req := workflow.TransitionRequest{Status: strings.TrimSpace(status)}
			if cmd.Flags().Changed("action") {
				action, _ := cmd.Flags().GetString("action")
				req.ResolutionAction = &action
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rec, err := connect().Transition(ctx, id, req)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	cmd.Flags().String("status", "", "Target status: notified, escalated or resolved")
	cmd.Flags().String("action", "", "Resolution action (required with --status resolved)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete resolved records older than the retention window",
		Long: `Delete resolved tracking records whose resolution is older than --older-than-days.

Runs as a dry run unless --confirm=DELETE is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			types, _ := cmd.Flags().GetStringSlice("type")
			confirm, _ := cmd.Flags().GetString("confirm")
			req := workflow.CleanupRequest{
				ProcessTypes: types,
				DryRun:       confirm != "DELETE",
			}
			if cmd.Flags().Changed("older-than-days") {
				days, _ := cmd.Flags().GetInt("older-than-days")
				req.OlderThanDays = &days
			}
			if req.DryRun {
				fmt.Fprintln(os.Stderr, "dry run: pass --confirm=DELETE to delete")
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			report, err := connect().Cleanup(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringSliceP("type", "t", nil, "Process types to clean (default: all)")
	cmd.Flags().Int("older-than-days", 0, "Retention in days (default: ABANDONED_RETENTION_DAYS)")
	cmd.Flags().String("confirm", "", "Set to DELETE to actually delete")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write tracking records to an xlsx file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			if strings.TrimSpace(out) == "" {
				out = fmt.Sprintf("abandoned-processes-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			n, err := connect().ExportXlsx(ctx, listRequestFromFlags(cmd), f)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d rows to %s\n", n, out)
			return nil
		},
	}
	addListFlags(cmd)
	cmd.Flags().StringP("out", "o", "", "Output file")
	return cmd
}

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Publish a scan trigger to the Pub/Sub topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, _ := cmd.Flags().GetStringSlice("type")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			createTopic, _ := cmd.Flags().GetBool("create-topic")

			ctx, cancel := commandContext(cmd)
			defer cancel()
			correlationID, _ := utils.GetCorrelationIdFromContext(ctx)
			msgID, err := config.PublishAbandonedScan(ctx, config.AbandonedScanMessage{
				ProcessTypes:  types,
				DryRun:        dryRun,
				RequestedBy:   operatorName(),
				RequestedAt:   time.Now().UTC(),
				CorrelationId: correlationID,
			}, createTopic)
			if err != nil {
				return err
			}
			fmt.Printf("published message_id=%s topic=%s correlation_id=%s\n", msgID, config.AbandonedScanTopic(), correlationID)
			return nil
		},
	}
	cmd.Flags().StringSliceP("type", "t", nil, "Process types to scan (default: all)")
	cmd.Flags().Bool("dry-run", false, "Ask for a dry-run scan")
	cmd.Flags().Bool("create-topic", false, "Create the topic if it does not exist")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash to store in OPS_API_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args[0]) < 16 {
				return utils.NewValidationError(utils.CodeInvalidRequest, "ops key must be at least 16 characters")
			}
			hashed, err := utils.HashOpsKey(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hashed)
			return nil
		},
	}
}

func parseID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, utils.NewValidationError(utils.CodeInvalidId, fmt.Sprintf("invalid id %q", raw))
	}
	return id, nil
}
