package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/scheduler"
)

type jobListing struct {
	Name         string `yaml:"name" json:"name"`
	Schedule     string `yaml:"schedule" json:"schedule"`
	Queue        string `yaml:"queue" json:"queue"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	MaxRetries   int    `yaml:"max_retries" json:"max_retries"`
	SoftTimeout  string `yaml:"soft_timeout" json:"soft_timeout"`
	HardTimeout  string `yaml:"hard_timeout" json:"hard_timeout"`
	Source       string `yaml:"source" json:"source"`
	Jurisdiction string `yaml:"jurisdiction" json:"jurisdiction"`
	NextRun      string `yaml:"next_run,omitempty" json:"next_run,omitempty"`
}

func newJobsCommand(s *session) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger ingestion jobs",
	}
	jobs.AddCommand(
		newJobsListCommand(s),
		newJobsTriggerCommand(s),
		newJobsRunsCommand(s),
		newJobsDeadCommand(s),
	)
	return jobs
}

func newJobsListCommand(s *session) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured jobs and their next scheduled run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			backend, err := s.get()
			if err != nil {
				return err
			}
			listing := listJobs(backend.Jobs(), time.Now(), backend.Location())
			if output != outputTable {
				return writeStructured(cmd.OutOrStdout(), output, listing)
			}
			return writeJobTable(cmd.OutOrStdout(), listing)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, yaml or json")
	return cmd
}

func listJobs(jobs []domain.IngestionJob, now time.Time, loc *time.Location) []jobListing {
	next := scheduler.NextRuns(jobs, now, loc)
	listing := make([]jobListing, 0, len(jobs))
	for _, job := range jobs {
		entry := jobListing{
			Name:         job.Name,
			Schedule:     job.Schedule,
			Queue:        string(job.Queue),
			Enabled:      job.Enabled,
			MaxRetries:   job.MaxRetries,
			SoftTimeout:  job.SoftTimeout.String(),
			HardTimeout:  job.HardTimeout.String(),
			Source:       sourceLabel(job.Source),
			Jurisdiction: job.Source.Jurisdiction,
		}
		if at, ok := next[job.Name]; ok {
			entry.NextRun = at.Format(time.RFC3339)
		}
		listing = append(listing, entry)
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].Name < listing[j].Name })
	return listing
}

func sourceLabel(spec domain.SourceSpec) string {
	switch {
	case spec.URL != "":
		return spec.Kind + ":" + spec.URL
	case spec.Path != "":
		return spec.Kind + ":" + spec.Path
	default:
		return spec.Kind
	}
}

func writeJobTable(w io.Writer, listing []jobListing) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSCHEDULE\tQUEUE\tENABLED\tJURISDICTION\tNEXT RUN")
	for _, job := range listing {
		next := job.NextRun
		if next == "" {
			next = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", job.Name, job.Schedule, job.Queue, job.Enabled, job.Jurisdiction, next)
	}
	return tw.Flush()
}

func newJobsTriggerCommand(s *session) *cobra.Command {
	var priority bool
	cmd := &cobra.Command{
		Use:   "trigger <name>",
		Short: "Enqueue a job run now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := s.get()
			if err != nil {
				return err
			}
			trigger, err := backend.Trigger(cmd.Context())
			if err != nil {
				return err
			}
			var queue domain.QueueClass
			if priority {
				queue = domain.QueuePriority
			}
			inv, err := trigger.Trigger(cmd.Context(), args[0], queue)
			if err != nil {
				return err
			}
			cmd.Printf("Enqueued %s on queue %s (run %s)\n", inv.JobName, inv.Queue, inv.RunID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&priority, "priority", false, "route the run to the priority queue")
	return cmd
}

func newJobsRunsCommand(s *session) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "runs <name>",
		Short: "Show recent runs of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			backend, err := s.get()
			if err != nil {
				return err
			}
			store, err := backend.RunStore(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), output, runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, yaml or json")
	return cmd
}

func newJobsDeadCommand(s *session) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Show runs that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			backend, err := s.get()
			if err != nil {
				return err
			}
			store, err := backend.RunStore(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := store.ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), output, runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, yaml or json")
	return cmd
}

func writeRuns(w io.Writer, output string, runs []domain.JobRun) error {
	if output != outputTable {
		if runs == nil {
			runs = []domain.JobRun{}
		}
		return writeStructured(w, output, runs)
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tJOB\tSTATE\tATTEMPT\tINDEXED\tFAILED\tUPDATED\tERROR")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			run.ID, run.JobName, run.State, run.Attempt, run.Stats.Indexed, run.Stats.Failed,
			run.UpdatedAt.Format(time.RFC3339), truncate(run.Error, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
