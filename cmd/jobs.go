package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/claims-cli/internal/jobstore"
	"github.com/sells-group/claims-cli/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage claim jobs",
	Long:  "Commands for listing jobs, viewing job details, retrying failures, and reviewing the exception list.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List claim jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, jobstore.JobFilter{
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs retry --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed or escalated job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.Retry(ctx, args[0], cfg.Routing.MaxRetries)
		if err != nil {
			return eris.Wrap(err, "jobs retry")
		}

		fmt.Printf("Job %s requeued (retry %d of %d)\n", job.ID, job.RetryCount, cfg.Routing.MaxRetries)
		return nil
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		counts, err := st.CountByStatus(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}

		formatJobStats(os.Stdout, counts)
		return nil
	},
}

// -- jobs exceptions --

var jobsExceptionsCmd = &cobra.Command{
	Use:   "exceptions",
	Short: "List escalated jobs awaiting human review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.ListExceptions(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "jobs exceptions")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Exception list is empty.")
			return nil
		}

		formatExceptions(os.Stdout, entries)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (pending, processing, extracted, submitted, exception, rejected, failed)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsExceptionsCmd.Flags().Int("limit", 100, "max number of entries to display")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsExceptionsCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tRETRIES\tCONFIDENCE\tCLAIM_REF\tCREATED\tREASON")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t----------\t---------\t-------\t------")

	for _, j := range jobs {
		conf := ""
		if j.Fused != nil {
			conf = fmt.Sprintf("%.3f", j.Fused.OverallConfidence)
		}

		reason := j.Reason
		if len(reason) > 40 {
			reason = reason[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			truncateID(j.ID),
			j.Status,
			j.RetryCount,
			conf,
			j.ClaimRef,
			j.CreatedAt.Format("2006-01-02 15:04"),
			reason,
		)
	}
	_ = w.Flush()
}

// formatJobStats writes counts by status in state-machine order.
func formatJobStats(out io.Writer, counts map[model.JobStatus]int) {
	order := []model.JobStatus{
		model.JobStatusPending,
		model.JobStatusProcessing,
		model.JobStatusExtracted,
		model.JobStatusSubmitted,
		model.JobStatusException,
		model.JobStatusRejected,
		model.JobStatusFailed,
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	total := 0
	for _, status := range order {
		n := counts[status]
		total += n
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", status, n)
	}
	_, _ = fmt.Fprintf(w, "total:\t%d\n", total)
	_ = w.Flush()
}

// formatExceptions writes the exception list to w.
func formatExceptions(out io.Writer, entries []jobstore.ExceptionEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tESCALATED\tREASON")
	_, _ = fmt.Fprintln(w, "---\t---------\t------")

	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			truncateID(e.JobID),
			e.CreatedAt.Format("2006-01-02 15:04"),
			e.Reason,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
