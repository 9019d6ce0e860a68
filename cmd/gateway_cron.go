package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/agent"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/cron"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// makeCronRunFunc executes agent-kind cron jobs through the scheduler's
// cron lane so they serialize against user traffic per session.
func makeCronRunFunc(cfg *config.Config, sched *scheduler.Scheduler) cron.RunJobFunc {
	return func(ctx context.Context, job store.CronJob, runID string) (string, error) {
		sessionKey := job.SessionKey
		if sessionKey == "" {
			sessionKey = cfg.Sessions.MainKey
			if sessionKey == "" {
				sessionKey = sessions.DefaultMainKey
			}
		}

		outcome := <-sched.Schedule(ctx, scheduler.LaneCron, agent.RunRequest{
			SessionKey: sessionKey,
			Message:    job.Prompt,
			Channel:    job.Channel,
			ChatID:     job.To,
			PeerKind:   string(sessions.PeerDirect),
			RunID:      runID,
		})
		if outcome.Err != nil {
			return "", outcome.Err
		}
		return outcome.Result.Content, nil
	}
}

// cronCmd inspects cron state from the CLI against the local stores.
func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron jobs and their run history",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cronStore, err := openCronStore()
			if err != nil {
				return err
			}
			jobs := cronStore.List()
			if len(jobs) == 0 {
				fmt.Println("no cron jobs configured")
				return nil
			}
			for _, j := range jobs {
				state := "disabled"
				if j.Enabled {
					state = "enabled"
				}
				fmt.Printf("%-20s %-16s %-8s %s\n", j.ID, j.Schedule, state, j.Name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "runs <jobId>",
		Short: "Show recent runs for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cronStore, err := openCronStore()
			if err != nil {
				return err
			}
			runs := cronStore.Runs(args[0], 20)
			if len(runs) == 0 {
				fmt.Println("no recorded runs")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s  %-8s attempts=%d %s\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Attempts, r.Error)
			}
			return nil
		},
	})

	return cmd
}

func openCronStore() (store.CronStore, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Dir(config.ExpandHome(cfg.Sessions.Storage))
	runLog, err := cron.OpenRunLog(filepath.Join(stateDir, "cron", "runs.db"))
	if err != nil {
		return nil, err
	}
	return cron.NewFileStore(filepath.Join(stateDir, "cron", "jobs.json"), runLog)
}
