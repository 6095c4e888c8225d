package main

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/spf13/cobra"

	"github.com/000haoji/deep-student-sub006/internal/anki"
	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

// deckSpec is the JSON input for export-apkg.
type deckSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Notes       []noteSpec `json:"notes"`
}

type noteSpec struct {
	Type  string   `json:"type"` // basic | cloze
	Front string   `json:"front,omitempty"`
	Back  string   `json:"back,omitempty"`
	Text  string   `json:"text,omitempty"`
	Extra string   `json:"extra,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// newExportCmd builds a .apkg archive from a JSON deck description.
func newExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-apkg <deck.json>",
		Short: "Export a deck description as an Anki .apkg archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var spec deckSpec
			if err := json.Unmarshal(data, &spec); err != nil {
				return apperr.Validation("export-apkg", "malformed deck file: %v", err)
			}

			deck, err := buildDeck(&spec)
			if err != nil {
				return err
			}
			if out == "" {
				out = spec.Name + ".apkg"
			}
			if err := anki.ExportFile(out, deck, nil); err != nil {
				return err
			}
			fmt.Printf("wrote %s: %d note(s)\n", out, len(deck.Notes))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default <name>.apkg)")
	return cmd
}

func buildDeck(spec *deckSpec) (*anki.Deck, error) {
	basic := anki.BasicModel(stableID(spec.Name + "/basic"))
	cloze := anki.ClozeModel(stableID(spec.Name + "/cloze"))

	deck := &anki.Deck{
		ID:          stableID(spec.Name),
		Name:        spec.Name,
		Description: spec.Description,
	}
	for i, n := range spec.Notes {
		switch n.Type {
		case "basic", "":
			if n.Front == "" {
				return nil, apperr.Validation("export-apkg", "note %d: basic notes need a front", i)
			}
			deck.Notes = append(deck.Notes, anki.Note{
				Model: basic, Fields: []string{n.Front, n.Back}, Tags: n.Tags,
			})
		case "cloze":
			if n.Text == "" {
				return nil, apperr.Validation("export-apkg", "note %d: cloze notes need text", i)
			}
			deck.Notes = append(deck.Notes, anki.Note{
				Model: cloze, Fields: []string{n.Text, n.Extra}, Tags: n.Tags,
			})
		default:
			return nil, apperr.Validation("export-apkg", "note %d: unknown type %q", i, n.Type)
		}
	}
	return deck, nil
}

// stableID derives a deterministic positive id so re-exports of the same
// deck update instead of duplicating on import.
func stableID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
