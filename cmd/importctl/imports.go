package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/listing-ingest/internal/delivery/http/request"
	"github.com/user/listing-ingest/internal/delivery/http/response"
	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/usecase"
)

var (
	submitQuery  queryFlags
	submitPoll   bool
	listLimit    int
	pollInterval time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new import",
	Example: `  importctl submit --keywords "road bike" --location Oslo --max-price 20000
  importctl submit --category furniture --param condition=used --poll`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := submitQuery.build(cmd)
		if err != nil {
			return err
		}
		var resp response.SubmitImportResponse
		if err := newClient().post(cmd.Context(), "/import", request.SubmitImportRequest{QueryDefinition: query}, &resp); err != nil {
			return err
		}
		if !submitPoll {
			if done, err := printStructured(cmd.OutOrStdout(), resp); done {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted import %s (%s)\n", resp.JobID, resp.Status)
			return nil
		}
		return pollImport(cmd.Context(), cmd.OutOrStdout(), newClient(), resp.JobID, pollInterval)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the progress of an import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var progress entity.JobProgress
		if err := newClient().get(cmd.Context(), "/import/"+url.PathEscape(args[0]), &progress); err != nil {
			return err
		}
		return printProgress(cmd.OutOrStdout(), []entity.JobProgress{progress})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent imports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp response.ImportListResponse
		path := "/import?limit=" + strconv.Itoa(listLimit)
		if err := newClient().get(cmd.Context(), path, &resp); err != nil {
			return err
		}
		return printProgress(cmd.OutOrStdout(), resp.Jobs)
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <job-id>",
	Short: "Advance an import by one step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := advance(cmd.Context(), newClient(), args[0])
		if err != nil {
			return err
		}
		if done, err := printStructured(cmd.OutOrStdout(), res); done {
			return err
		}
		printAdvance(cmd.OutOrStdout(), res)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel an unfinished import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var progress entity.JobProgress
		err := newClient().post(cmd.Context(), "/import/"+url.PathEscape(args[0])+"/cancel", nil, &progress)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return fmt.Errorf("import already finished: %s", apiErr.Message)
		}
		if err != nil {
			return err
		}
		return printProgress(cmd.OutOrStdout(), []entity.JobProgress{progress})
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll <job-id>",
	Short: "Advance an import until it finishes, following scheduled successors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pollImport(cmd.Context(), cmd.OutOrStdout(), newClient(), args[0], pollInterval)
	},
}

func init() {
	submitQuery.bind(submitCmd)
	submitCmd.Flags().BoolVar(&submitPoll, "poll", false, "Poll the import until it finishes")
	submitCmd.Flags().DurationVar(&pollInterval, "interval", 5*time.Second, "Delay between advance calls when polling")
	pollCmd.Flags().DurationVar(&pollInterval, "interval", 5*time.Second, "Delay between advance calls")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of imports")
}

func advance(ctx context.Context, c *importClient, jobID string) (*usecase.AdvanceResult, error) {
	var res usecase.AdvanceResult
	if err := c.post(ctx, "/import/"+url.PathEscape(jobID)+"/advance", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// pollImport calls advance until the service says to stop. When finishing a
// job starts the next scheduled one, polling moves on to it.
func pollImport(ctx context.Context, w io.Writer, c *importClient, jobID string, interval time.Duration) error {
	for {
		res, err := advance(ctx, c, jobID)
		if err != nil {
			return err
		}
		printAdvance(w, res)

		if res.NextJobID != "" && res.NextJobID != jobID {
			fmt.Fprintf(w, "Continuing with scheduled import %s\n", res.NextJobID)
			jobID = res.NextJobID
		} else if !res.ContinuePolling {
			if res.Progress.Status == entity.JobFailed {
				return fmt.Errorf("import %s failed: %s", jobID, res.Progress.ErrorMessage)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func printAdvance(w io.Writer, res *usecase.AdvanceResult) {
	p := res.Progress
	fmt.Fprintf(w, "%s  %-9s  %5.1f%%  chunks %d/%d (failed %d)  items %d",
		p.JobID, p.Status, p.Percent, p.Processed, p.Total, p.Failed, p.TotalItems)
	if p.Message != "" {
		fmt.Fprintf(w, "  %s", p.Message)
	}
	if p.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s", p.ErrorMessage)
	}
	fmt.Fprintln(w)
}

func printProgress(w io.Writer, jobs []entity.JobProgress) error {
	if done, err := printStructured(w, jobs); done {
		return err
	}
	rows := make([][]string, 0, len(jobs))
	for _, p := range jobs {
		rows = append(rows, []string{
			p.JobID,
			string(p.Status),
			fmt.Sprintf("%.1f%%", p.Percent),
			fmt.Sprintf("%d/%d", p.Processed, p.Total),
			strconv.Itoa(p.Failed),
			strconv.Itoa(p.TotalItems),
			p.CreatedAt.Format(time.RFC3339),
		})
	}
	printTable(w, []string{"id", "status", "percent", "chunks", "failed", "items", "created"}, rows)
	return nil
}
