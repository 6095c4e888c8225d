package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/000haoji/deep-student-sub006/internal/index"
	"github.com/000haoji/deep-student-sub006/internal/vfs"
)

// newImportCmd ingests a file into the VFS and registers its index units.
// Plain-text formats are synced immediately; binary formats wait for an
// external extraction step.
func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Ingest a file into the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			name := filepath.Base(path)
			mime := mimeForExt(filepath.Ext(name))
			hash, err := a.vfs.PutBlob(data, mime)
			if err != nil {
				return err
			}

			file, err := a.vfs.CreateFile(vfs.CreateFileParams{
				Type:     vfs.TypeFile,
				FileName: name,
				Size:     int64(len(data)),
				BlobHash: hash,
			})
			if err != nil {
				return err
			}
			a.log.Info("file imported",
				zap.String("resource", file.ID), zap.String("blob", hash), zap.Int("bytes", len(data)))

			if !isTextMime(mime) {
				fmt.Printf("imported %s as %s (no inline text; index units pending extraction)\n", name, file.ID)
				return nil
			}

			res, err := a.registry.SyncUnits(file.ID, []index.UnitInput{{
				UnitIndex:   0,
				TextContent: string(data),
				TextSource:  "extraction",
			}})
			if err != nil {
				return err
			}
			fmt.Printf("imported %s as %s: %d unit(s) registered\n", name, file.ID, len(res.Units))
			return nil
		},
	}
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".txt", ".md", ".markdown":
		return "text/plain"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func isTextMime(mime string) bool { return strings.HasPrefix(mime, "text/") }
