// Command phill imports projects and tasks (with full history) from a JSON
// tracker export into a Phabricator-style destination.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thiblahute/bztophill/internal/importer"
	"github.com/thiblahute/bztophill/internal/store"
	"github.com/thiblahute/bztophill/internal/store/mariadb"
	"github.com/thiblahute/bztophill/internal/store/memory"
)

// destination is what a backend must provide: every collaborator surface
// plus the outer transaction scope.
type destination interface {
	store.UserDirectory
	store.ProjectStore
	store.TaskStore
	store.FileStore
	store.PermissionChecker
	store.Transactor
}

var (
	inputFile   string
	txnLevel    string
	verbosity   int
	backendName string
	dsn         string
)

var rootCmd = &cobra.Command{
	Use:   "phill",
	Short: "Import projects and tasks from a tracker export",
	Long: `phill imports projects and tasks, with their full transaction history,
from a JSON tracker export into a Phabricator-style destination.

Re-running with the same input is safe: entities carry deterministic
externally-derived identifiers, so existing ones are found and updated
instead of duplicated, and already-replayed comments and attachments are
suppressed by timestamp.

The transaction level controls durability:
  global    one transaction around the whole run (default)
  item      each entity commits as it is produced
  rollback  run everything, then discard it (dry run)`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&inputFile, "input", "i", "", "JSON-encoded file with the data to import")
	rootCmd.Flags().StringVarP(&txnLevel, "transaction-level", "t", "global", "commit policy: global, item or rollback")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "verbose output (repeat for debug)")
	rootCmd.Flags().StringVar(&backendName, "backend", "", "destination backend: mysql or memory")
	rootCmd.Flags().StringVar(&dsn, "dsn", "", "destination database DSN (mysql backend)")
}

// initViper resolves backend settings from flags, $PHILL_* environment
// variables and an optional config file, in that priority order.
func initViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("phill")
	v.AutomaticEnv()
	v.SetDefault("backend", "mysql")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "phill"))
	}
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional
	return v
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	switch verbosity {
	case 0:
		log.SetLevel(logrus.WarnLevel)
	case 1:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func run(ctx context.Context) error {
	if inputFile == "" {
		return fmt.Errorf("no file to import specified on the command line")
	}

	policy, err := importer.ParseCommitPolicy(txnLevel)
	if err != nil {
		return err
	}

	log := newLogger()

	doc, baseDir, err := importer.LoadDocument(inputFile)
	if err != nil {
		return err
	}

	v := initViper()
	if backendName == "" {
		backendName = v.GetString("backend")
	}
	if dsn == "" {
		dsn = v.GetString("dsn")
	}

	var dest destination
	switch backendName {
	case "mysql":
		if dsn == "" {
			return fmt.Errorf("mysql backend needs a DSN (--dsn, $PHILL_DSN or config file)")
		}
		st, err := mariadb.Open(ctx, dsn)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		dest = st
	case "memory":
		// Nothing outlives the process; useful for validating a document.
		dest = memory.New()
	default:
		return fmt.Errorf("unknown backend %q: valid ones are 'mysql' and 'memory'", backendName)
	}

	imp, err := importer.New(importer.Config{
		Log:         log,
		Users:       dest,
		Projects:    dest,
		Tasks:       dest,
		Files:       dest,
		Policy:      dest,
		Tx:          dest,
		BaseDir:     baseDir,
		CommitLevel: policy,
	})
	if err != nil {
		return err
	}

	res, err := imp.Run(ctx, doc)
	if err != nil {
		return err
	}

	fmt.Printf("Projects: %d created, %d already present\n", res.ProjectsCreated, res.ProjectsFound)
	fmt.Printf("Tasks:    %d created, %d updated\n", res.TasksCreated, res.TasksUpdated)
	fmt.Printf("History:  %d transactions applied, %d skipped, %d files ingested\n",
		res.XactsApplied, res.XactsSkipped, res.FilesIngested)
	if policy == importer.PolicyRollback {
		fmt.Println("Rollback mode: nothing was persisted.")
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
