package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronoq/internal/bootstrap"
	"github.com/nextlevelbuilder/chronoq/internal/store"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage jobs",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsTriggerCmd())
	cmd.AddCommand(jobsPauseCmd())
	cmd.AddCommand(jobsResumeCmd())
	cmd.AddCommand(jobsDeleteCmd())
	return cmd
}

func withRuntime(fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	cfg := loadConfig()
	bootstrap.SetupLogging(cfg)
	ctx := context.Background()
	rt, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func parseJobID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

func jobsListCmd() *cobra.Command {
	var jsonOutput bool
	var owner, status string
	var page int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *bootstrap.Runtime) error {
				filter := store.JobFilter{Status: store.JobStatus(status)}
				res, err := rt.Svc.ListJobs(ctx, owner, filter, store.Page{Number: page})
				if err != nil {
					return err
				}
				printJobs(res, jsonOutput)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&owner, "owner", "", "owner to list jobs for")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func printJobs(res *store.JobPage, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(res.Items) == 0 {
		fmt.Println("No jobs found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATUS\tNEXT RUN\tRETRIES")
	for _, j := range res.Items {
		next := "-"
		if j.NextRun != nil {
			next = j.NextRun.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			j.ID, j.Name, j.Kind, j.Status, next, j.RetryCount, j.MaxRetries)
	}
	w.Flush()
	fmt.Printf("\nPage %d of %d job(s) total.\n", res.Page, res.Total)
}

func jobsTriggerCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "trigger [jobId]",
		Short: "Fire a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(func(ctx context.Context, rt *bootstrap.Runtime) error {
				if err := rt.Svc.TriggerJob(ctx, owner, id); err != nil {
					return err
				}
				fmt.Printf("Job %s triggered.\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "job owner")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func jobsPauseCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "pause [jobId]",
		Short: "Pause a recurring job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(func(ctx context.Context, rt *bootstrap.Runtime) error {
				if _, err := rt.Svc.PauseJob(ctx, owner, id); err != nil {
					return err
				}
				fmt.Printf("Job %s paused.\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "job owner")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func jobsResumeCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "resume [jobId]",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(func(ctx context.Context, rt *bootstrap.Runtime) error {
				job, err := rt.Svc.ResumeJob(ctx, owner, id)
				if err != nil {
					return err
				}
				next := "-"
				if job.NextRun != nil {
					next = job.NextRun.UTC().Format(time.RFC3339)
				}
				fmt.Printf("Job %s resumed, next run %s.\n", id, next)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "job owner")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func jobsDeleteCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "delete [jobId]",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(func(ctx context.Context, rt *bootstrap.Runtime) error {
				if err := rt.Svc.DeleteJob(ctx, owner, id); err != nil {
					return err
				}
				fmt.Printf("Job %s deleted.\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "job owner")
	cmd.MarkFlagRequired("owner")
	return cmd
}
