package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List tracked executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		execs := e.Repo.List()
		if len(execs) == 0 {
			fmt.Println("no executions")
			return nil
		}

		sort.Slice(execs, func(i, j int) bool {
			return execs[i].CreatedAt.After(execs[j].CreatedAt)
		})
		for _, exec := range execs {
			fmt.Printf("%s  %-36s %-12s brand=%s tasks=%d\n",
				exec.CreatedAt.Format(time.RFC3339),
				exec.ExecutionID,
				exec.State,
				exec.MainBrand,
				exec.TaskCount(),
			)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(executionsCmd)
}
