package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/000haoji/deep-student-sub006/internal/usage"
)

// newUsageCmd reports LLM token accounting.
func newUsageCmd(a *app) *cobra.Command {
	var days int
	var granularity string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show LLM usage totals and trends",
		RunE: func(cmd *cobra.Command, args []string) error {
			from := time.Time{}
			if days > 0 {
				from = time.Now().UTC().AddDate(0, 0, -days)
			}
			s, err := a.usage.GetSummary(from, time.Time{})
			if err != nil {
				return err
			}
			fmt.Printf("calls: %d (%d succeeded)\n", s.Calls, s.Succeeded)
			fmt.Printf("tokens: %d prompt + %d completion = %d\n", s.PromptTokens, s.CompletionTokens, s.TotalTokens)
			fmt.Printf("avg duration: %.0f ms\n", s.AvgDurationMs)

			byModel, err := a.usage.GetByModel()
			if err != nil {
				return err
			}
			if len(byModel) > 0 {
				fmt.Println("\nby model:")
				for _, b := range byModel {
					fmt.Printf("  %-30s %6d calls %12d tokens\n", b.Key, b.Calls, b.TotalTokens)
				}
			}

			if granularity != "" {
				trends, err := a.usage.GetTrends(days, usage.Granularity(granularity))
				if err != nil {
					return err
				}
				fmt.Println("\ntrend:")
				for _, p := range trends {
					fmt.Printf("  %-16s %6d calls %12d tokens\n", p.Bucket, p.Calls, p.TotalTokens)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "report window in days")
	cmd.Flags().StringVar(&granularity, "trend", "", "trend granularity: hour, day, week, month")
	return cmd
}
