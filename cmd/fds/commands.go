package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NunoMbM/feedback-digestive-system/internal/api"
	"github.com/NunoMbM/feedback-digestive-system/internal/config"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <message>",
	Short: "Submit a piece of feedback for ingestion",
	Long: `Submit a piece of feedback for ingestion.

Examples:
  fds submit "The export button does nothing" --source email
  fds submit --file ./complaint.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		file, _ := cmd.Flags().GetString("file")

		var message string
		switch {
		case len(args) == 1:
			message = args[0]
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			message = string(data)
		}
		if strings.TrimSpace(message) == "" {
			return fmt.Errorf("a message argument or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := submitFeedback(cmd.Context(), client, source, message)
		if err != nil {
			return err
		}

		printSuccess("Queued run %s", id)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("source", "cli", "where the feedback came from")
	submitCmd.Flags().String("file", "", "read the message from a file")
}

func submitFeedback(ctx context.Context, client *apiClient, source, message string) (string, error) {
	resp, err := client.post(ctx, "/feedback", map[string]string{
		"source":  source,
		"message": message,
	})
	if err != nil {
		return "", err
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

// --- digest ---

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Print an AI summary of recent feedback",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/digest"
		if all {
			path = "/digest/all"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		text, err := readText(resp)
		if err != nil {
			return err
		}

		fmt.Println(text)
		return nil
	},
}

func init() {
	digestCmd.Flags().Bool("all", false, "summarize all stored feedback instead of the last 24 hours")
}

// --- runs ---

const runListMax = 200

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingestion runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		runs, err := listRuns(cmd.Context(), client, status, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tFAILED STEP\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, colorize(statusColor(r.Status), r.Status), r.FailedStep, r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run and its step checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var run api.RunView
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		printRun(run)
		return nil
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/runs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["status"] == "cancelled" {
			printSuccess("Cancelled run %s", args[0])
		} else {
			printSuccess("Cancellation requested for run %s; it stops before its next step", args[0])
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsCancelCmd)
}

func listRuns(ctx context.Context, client *apiClient, status string, limit int) ([]api.RunView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var runs []api.RunView
	if err := decodeJSON(resp, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func countRuns(ctx context.Context, client *apiClient, status string) (int, error) {
	runs, err := listRuns(ctx, client, status, runListMax)
	return len(runs), err
}

func printRun(run api.RunView) {
	fmt.Printf("%s %s\n", colorize(colorBold, "Run"), run.ID)
	fmt.Printf("  workflow:  %s\n", run.Workflow)
	fmt.Printf("  status:    %s\n", colorize(statusColor(run.Status), run.Status))
	if run.CancelRequested {
		fmt.Printf("  cancel:    requested\n")
	}
	fmt.Printf("  created:   %s\n", run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if run.LastError != "" {
		fmt.Printf("  error:     %s (step %s)\n", run.LastError, run.FailedStep)
	}
	if len(run.Payload) > 0 {
		fmt.Printf("  payload:   %s\n", run.Payload)
	}
	if len(run.Result) > 0 {
		fmt.Printf("  result:    %s\n", run.Result)
	}

	if len(run.Steps) == 0 {
		return
	}
	fmt.Println(colorize(colorBold, "Steps"))
	for _, st := range run.Steps {
		line := fmt.Sprintf("  %-16s %s", st.Name, colorize(statusColor(st.Status), st.Status))
		if st.Attempts > 0 {
			line += fmt.Sprintf(" (attempts: %d)", st.Attempts)
		}
		if st.LastError != "" {
			line += " " + st.LastError
		}
		fmt.Println(line)
	}
}

// --- setup ---

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure the daily digest webhook delivery",
	Long: `Configure the daily digest webhook delivery.

Examples:
  fds setup --webhook https://discord.com/api/webhooks/... --time 09:00
  fds setup --webhook https://discord.com/api/webhooks/... --erase-after`,
	RunE: func(cmd *cobra.Command, args []string) error {
		webhook, _ := cmd.Flags().GetString("webhook")
		at, _ := cmd.Flags().GetString("time")
		erase, _ := cmd.Flags().GetBool("erase-after")
		if webhook == "" {
			return fmt.Errorf("--webhook is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/setup", map[string]any{
			"discord_webhook": webhook,
			"time":            at,
			"erase_after":     erase,
		})
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Daily digest scheduled for %s UTC", at)
		if erase {
			printWarning("Settings will be erased after the next delivery")
		}
		return nil
	},
}

func init() {
	setupCmd.Flags().String("webhook", "", "Discord-compatible webhook URL")
	setupCmd.Flags().String("time", "09:00", "delivery time, HH:MM in UTC")
	setupCmd.Flags().Bool("erase-after", false, "erase the settings after the next delivery")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := config.Explain()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(tw, "  %s\t%s\t(%s)\n", colorize(colorBold, k.Key), k.Value, k.Origin)
		}
		return tw.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
