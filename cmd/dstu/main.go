// Command dstu is the deep-student CLI: local ingest, indexing, retrieval,
// usage reporting, deck export, and blob maintenance over one data directory.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/000haoji/deep-student-sub006/internal/config"
	"github.com/000haoji/deep-student-sub006/internal/dataspace"
	"github.com/000haoji/deep-student-sub006/internal/embedding"
	"github.com/000haoji/deep-student-sub006/internal/index"
	"github.com/000haoji/deep-student-sub006/internal/logging"
	"github.com/000haoji/deep-student-sub006/internal/secure"
	"github.com/000haoji/deep-student-sub006/internal/usage"
	"github.com/000haoji/deep-student-sub006/internal/vector"
	"github.com/000haoji/deep-student-sub006/internal/vfs"
)

// app bundles the opened subsystems. Leaf stores open first, everything
// composed on top of them after.
type app struct {
	dataDir string
	verbose bool

	log     *zap.Logger
	cfg     *config.Config
	spaces  *dataspace.Manager
	secrets *secure.Store
	vfs     *vfs.Store

	mainDB   *sql.DB
	usageDB  *sql.DB
	registry *index.Registry
	mm       *vector.MMStore
	usage    *usage.Repository
}

func (a *app) open() error {
	var err error
	if a.verbose {
		a.log, err = zap.NewDevelopment()
	} else {
		a.log, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}

	a.spaces, err = dataspace.Open(a.dataDir)
	if err != nil {
		return err
	}
	slot := a.spaces.ActivePath()
	a.log.Info("data space opened", zap.String("slot", a.spaces.Active()), zap.String("path", slot))

	if err := logging.Initialize(slot); err != nil {
		return err
	}
	a.cfg, err = config.Load(slot)
	if err != nil {
		return err
	}
	a.secrets, err = secure.Open(slot)
	if err != nil {
		return err
	}
	a.vfs, err = vfs.Open(slot)
	if err != nil {
		return err
	}

	a.mainDB, err = openDB(filepath.Join(slot, "main.db"))
	if err != nil {
		return err
	}
	a.registry, err = index.NewRegistry(a.mainDB)
	if err != nil {
		return err
	}
	a.mm = vector.NewMMStore(a.mainDB)

	a.usageDB, err = openDB(filepath.Join(slot, "usage.db"))
	if err != nil {
		return err
	}
	a.usage, err = usage.NewRepository(a.usageDB)
	if err != nil {
		return err
	}
	return nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (a *app) close() {
	if a.usageDB != nil {
		a.usageDB.Close()
	}
	if a.mainDB != nil {
		a.mainDB.Close()
	}
	if a.vfs != nil {
		a.vfs.Close()
	}
	if a.log != nil {
		a.log.Sync()
	}
}

// embedEngine builds the configured embedding engine, pulling its key from
// the secure store.
func (a *app) embedEngine() (embedding.Engine, error) {
	provider := a.cfg.Embedding.Provider
	if provider == "" {
		provider = "openai"
	}
	key, ok, err := a.secrets.GetSecret("embedding/" + provider)
	if err != nil {
		return nil, err
	}
	if !ok {
		key, _, err = a.secrets.GetSecret("vendor/" + provider)
		if err != nil {
			return nil, err
		}
	}
	return embedding.NewEngine(a.cfg.Embedding, key)
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "dstu",
		Short:         "deep-student knowledge base toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				a.dataDir = filepath.Join(home, ".deep-student")
			}
			return a.open()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default ~/.deep-student)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newImportCmd(a),
		newIndexCmd(a),
		newQueryCmd(a),
		newChatCmd(a),
		newUsageCmd(a),
		newExportCmd(a),
		newGCCmd(a),
		newSecretCmd(a),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
