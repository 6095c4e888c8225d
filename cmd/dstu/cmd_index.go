package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/000haoji/deep-student-sub006/internal/embedding"
	"github.com/000haoji/deep-student-sub006/internal/index"
	"github.com/000haoji/deep-student-sub006/internal/vector"
)

// newIndexCmd drains pending text units: claim, chunk, embed, upsert into
// the vector store, record segments, and mark the unit indexed. A per-unit
// failure marks that unit failed and the drain continues.
func newIndexCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index pending units into the vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.embedEngine()
			if err != nil {
				return err
			}

			units, err := a.registry.ListPending(index.ModalityText, limit)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				fmt.Println("nothing pending")
				return nil
			}

			ctx := cmd.Context()
			indexed, failed := 0, 0
			for _, u := range units {
				claimed, err := a.registry.Claim(u.ID, index.ModalityText)
				if err != nil {
					return err
				}
				if !claimed {
					continue
				}
				if err := a.indexUnit(ctx, engine, &u); err != nil {
					failed++
					a.log.Warn("unit indexing failed", zap.String("unit", u.ID), zap.Error(err))
					if serr := a.registry.SetState(u.ID, index.ModalityText, index.StateFailed, err.Error()); serr != nil {
						return serr
					}
					continue
				}
				indexed++
			}
			fmt.Printf("indexed %d unit(s), %d failed\n", indexed, failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max units to drain")
	return cmd
}

func (a *app) indexUnit(ctx context.Context, engine embedding.Engine, u *index.Unit) error {
	chunks := embedding.ChunkForModel(u.TextContent, a.cfg.Embedding.Model)
	if len(chunks) == 0 {
		return a.registry.SetTextIndexed(u.ID, 0, 0)
	}

	embs, err := engine.EmbedBatch(ctx, chunks)
	if err != nil {
		return err
	}
	dim := len(embs[0])

	inputs := make([]vector.PageInput, len(chunks))
	segments := make([]index.SegmentInput, len(chunks))
	for i, chunk := range chunks {
		rowID := uuid.NewString()
		inputs[i] = vector.PageInput{
			Record: vector.PageRecord{
				LanceRowID: rowID,
				SourceType: "file",
				SourceID:   u.ResourceID,
				PageIndex:  u.UnitIndex,
				Text:       chunk,
			},
			Embedding: embs[i],
		}
		segments[i] = index.SegmentInput{LanceRowID: rowID, ChunkIndex: i, EmbeddingDim: dim}
	}

	if err := a.mm.Upsert("text", dim, inputs); err != nil {
		return err
	}
	stale, err := a.registry.ReplaceSegments(u.ID, index.ModalityText, segments)
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		if _, err := a.mm.DeleteByLanceRowIDs(stale); err != nil {
			return err
		}
	}
	return a.registry.SetTextIndexed(u.ID, len(chunks), dim)
}
