package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/000haoji/deep-student-sub006/internal/retrieval"
)

// newQueryCmd runs a retrieval query against the indexed library.
func newQueryCmd(a *app) *cobra.Command {
	var topK int
	var fast bool
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the indexed library",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.embedEngine()
			if err != nil {
				return err
			}
			r := retrieval.NewRetriever(a.mm, engine, nil, nil, nil)
			q := retrieval.Query{Text: strings.Join(args, " ")}

			var cards []retrieval.Card
			if fast {
				cards, err = r.RetrieveFast(cmd.Context(), q, topK)
			} else {
				opts := retrieval.DefaultOptions()
				opts.FinalTopK = topK
				cards, err = r.Retrieve(cmd.Context(), q, opts)
			}
			if err != nil {
				return err
			}
			if len(cards) == 0 {
				fmt.Println("no results")
				return nil
			}
			for i, c := range cards {
				text := c.Text
				if len(text) > 160 {
					text = text[:160] + "..."
				}
				fmt.Printf("%2d. [%.4f] %s/%s p%d\n    %s\n", i+1, c.Score, c.SourceType, c.SourceID, c.PageIndex, text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 10, "number of results")
	cmd.Flags().BoolVar(&fast, "fast", false, "skip fusion and rerank")
	return cmd
}
