package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/listing-ingest/internal/delivery/http/request"
	"github.com/user/listing-ingest/internal/delivery/http/response"
	"github.com/user/listing-ingest/internal/entity"
)

var (
	scheduleQuery queryFlags
	scheduleName  string
	scheduleCron  string
)

var scheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"schedules"},
	Short:   "Manage recurring imports",
}

var scheduleCreateCmd = &cobra.Command{
	Use:     "create",
	Short:   "Create a schedule entry",
	Example: `  importctl schedule create --name nightly-sofas --keywords sofa --cron "0 3 * * *"`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := scheduleQuery.build(cmd)
		if err != nil {
			return err
		}
		req := request.CreateScheduleRequest{Name: scheduleName, QueryDefinition: query, CronSpec: scheduleCron}
		var entry entity.ScheduleEntry
		if err := newClient().post(cmd.Context(), "/schedules", req, &entry); err != nil {
			return err
		}
		return printSchedules(cmd.OutOrStdout(), []*entity.ScheduleEntry{&entry})
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedule entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp response.ScheduleListResponse
		if err := newClient().get(cmd.Context(), "/schedules", &resp); err != nil {
			return err
		}
		return printSchedules(cmd.OutOrStdout(), resp.Schedules)
	},
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get <schedule-id>",
	Short: "Show a schedule entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return scheduleAction(cmd, http.MethodGet, args[0], "")
	},
}

var scheduleRetryCmd = &cobra.Command{
	Use:   "retry <schedule-id>",
	Short: "Re-arm a failed schedule entry with a fresh import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return scheduleAction(cmd, http.MethodPost, args[0], "/retry")
	},
}

var scheduleRearmCmd = &cobra.Command{
	Use:   "rearm <schedule-id>",
	Short: "Queue a completed schedule entry for its next run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return scheduleAction(cmd, http.MethodPost, args[0], "/rearm")
	},
}

var scheduleNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Start the oldest pending schedule entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp response.StartNextResponse
		if err := newClient().post(cmd.Context(), "/schedules/next", nil, &resp); err != nil {
			return err
		}
		if done, err := printStructured(cmd.OutOrStdout(), resp); done {
			return err
		}
		if !resp.Started {
			fmt.Fprintln(cmd.OutOrStdout(), "No schedule started: one is already importing or none is pending")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started import %s\n", resp.JobID)
		return nil
	},
}

func init() {
	scheduleQuery.bind(scheduleCreateCmd)
	scheduleCreateCmd.Flags().StringVar(&scheduleName, "name", "", "Schedule name")
	scheduleCreateCmd.Flags().StringVar(&scheduleCron, "cron", "", "Five-field cron expression for re-runs")

	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleGetCmd)
	scheduleCmd.AddCommand(scheduleRetryCmd)
	scheduleCmd.AddCommand(scheduleRearmCmd)
	scheduleCmd.AddCommand(scheduleNextCmd)
}

func scheduleAction(cmd *cobra.Command, method, id, suffix string) error {
	var entry entity.ScheduleEntry
	path := "/schedules/" + url.PathEscape(id) + suffix
	if err := newClient().do(cmd.Context(), method, path, nil, &entry); err != nil {
		return err
	}
	return printSchedules(cmd.OutOrStdout(), []*entity.ScheduleEntry{&entry})
}

func printSchedules(w io.Writer, entries []*entity.ScheduleEntry) error {
	if done, err := printStructured(w, entries); done {
		return err
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		jobID := "-"
		if e.JobID != nil {
			jobID = *e.JobID
		}
		completed := "-"
		if e.CompletedAt != nil {
			completed = e.CompletedAt.Format(time.RFC3339)
		}
		cronSpec := e.CronSpec
		if cronSpec == "" {
			cronSpec = "-"
		}
		rows = append(rows, []string{e.ID, e.Name, string(e.Status), cronSpec, jobID, completed, e.LastError})
	}
	printTable(w, []string{"id", "name", "status", "cron", "job", "completed", "last error"}, rows)
	return nil
}
