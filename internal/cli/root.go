package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/config"
	"github.com/sprout-dev/sprout/internal/logging"
	"github.com/sprout-dev/sprout/internal/modulator"
)

// app is the state shared by every command of one invocation.
type app struct {
	version string
	root    string
	cfg     config.Config
	logger  *zap.Logger
	asJSON  bool
	verbose bool
	stdin   io.Reader
	isTTY   func() bool
}

func NewRootCommand(version string) *cobra.Command {
	return newRootCommand(&app{version: version, stdin: os.Stdin, isTTY: stdinIsTerminal})
}

func newRootCommand(a *app) *cobra.Command {
	version := a.version

	rootCmd := &cobra.Command{
		Use:   "sprout",
		Short: "Compose capabilities into a React Native project",
		Long: `Sprout installs capabilities into a generated React Native / Expo project.

Each capability is materialized as a workspace package under packages/ and
wired into the composition package through marker regions. Every change is
fingerprinted, backed up under .sprout/audit/ and recorded in
.sprout/manifest.json so it can be re-applied or removed safely.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Print machine-readable output")
	rootCmd.PersistentFlags().StringP("dir", "C", "", "Project root (default: current directory)")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the composition package and the manifest",
		Args:  cobra.NoArgs,
		RunE:  a.runInit,
	}
	initCmd.Flags().String("name", "", "Project name (default: directory name)")
	initCmd.Flags().String("target", "expo", "Target: expo|bare")
	initCmd.Flags().String("language", "typescript", "Language: typescript|javascript")
	initCmd.Flags().String("pm", "", "Package manager: npm|pnpm|yarn|bun (default: detect from lockfile)")
	initCmd.Flags().Bool("force", false, "Rewrite the composition package of an initialized project")
	initCmd.Flags().Bool("dry-run", false, "Show what would change without writing")

	pluginCmd := &cobra.Command{
		Use:     "plugin",
		Aliases: []string{"plugins"},
		Short:   "Add, remove and inspect capabilities",
	}

	addCmd := &cobra.Command{
		Use:   "add <id...>",
		Short: "Install capabilities",
		Args:  cobra.MinimumNArgs(1),
		RunE:  a.runAdd,
	}
	addMutationFlags(addCmd)
	addCmd.Flags().Bool("refresh", false, "Re-apply installed capabilities to repair drift")

	removeCmd := &cobra.Command{
		Use:     "remove <id...>",
		Aliases: []string{"rm"},
		Short:   "Uninstall capabilities",
		Args:    cobra.MinimumNArgs(1),
		RunE:    a.runRemove,
	}
	addMutationFlags(removeCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List installed capabilities, slots and permissions",
		Args:  cobra.NoArgs,
		RunE:  a.runStatus,
	}

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate the manifest, markers, fingerprints and lock",
		Args:  cobra.NoArgs,
		RunE:  a.runDoctor,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog capabilities and their compatibility",
		Args:  cobra.NoArgs,
		RunE:  a.runList,
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <run-id> <capability>",
		Short: "Copy the files a capability backed up in an audit run back into the project",
		Args:  cobra.ExactArgs(2),
		RunE:  a.runRestore,
	}

	pluginCmd.AddCommand(addCmd, removeCmd, statusCmd, doctorCmd, listCmd, restoreCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sprout %s\n", version)
		},
	}

	rootCmd.AddCommand(initCmd, pluginCmd, versionCmd)
	return rootCmd
}

func addMutationFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("dry-run", false, "Show what would change without writing")
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation of a multi-capability batch")
	cmd.Flags().Bool("install", false, "Run the package manager after linking")
}

func (a *app) setup(cmd *cobra.Command) error {
	dir, err := OptionalStringFlag(cmd, "dir")
	if err != nil {
		return err
	}
	if dir == "" {
		if dir, err = resolveWorkingDirectory(); err != nil {
			return err
		}
	}
	if a.root, err = filepath.Abs(dir); err != nil {
		return fmt.Errorf("failed to resolve project root: %w", err)
	}

	if a.cfg, err = config.Load(a.root); err != nil {
		return &ExitError{Code: ExitValidation, Err: err}
	}
	format := a.cfg.Log.Format
	if a.asJSON {
		format = "json"
	}
	a.logger, err = logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:   a.cfg.Log.Level,
		Format:  format,
		Verbose: a.verbose,
	})
	if err != nil {
		return &ExitError{Code: ExitValidation, Err: err}
	}
	a.logger.Debug("sprout starting",
		zap.String("version", a.version),
		zap.String("root", a.root),
		zap.String("command", cmd.CommandPath()))
	return nil
}

func (a *app) catalog() (*capability.Catalog, error) {
	dir := filepath.Join(a.root, filepath.FromSlash(a.cfg.CatalogDir))
	c, err := capability.LoadCatalog(dir)
	if err != nil {
		return nil, &ExitError{Code: ExitValidation, Message: "failed to load capability catalog", Err: err}
	}
	return c, nil
}

func (a *app) newRun(opts modulator.Options) (*modulator.Run, error) {
	catalog, err := a.catalog()
	if err != nil {
		return nil, err
	}
	return modulator.NewRun(a.root, a.cfg, catalog, a.logger, opts)
}

func resolveWorkingDirectory() (string, error) {
	rootPath, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	return rootPath, nil
}

func stdinIsTerminal() bool {
	stat, err := os.Stdin.Stat()
	return err == nil && (stat.Mode()&os.ModeCharDevice) != 0
}
