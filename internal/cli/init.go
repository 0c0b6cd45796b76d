package cli

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/modulator"
	"github.com/sprout-dev/sprout/internal/workspace"
)

var nameInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)

// projectName turns a directory name into a package-safe project name.
func projectName(dir string) string {
	name := nameInvalid.ReplaceAllString(strings.ToLower(filepath.Base(dir)), "-")
	name = strings.TrimLeft(name, "._-")
	if name == "" {
		return "app"
	}
	return name
}

func (a *app) runInit(cmd *cobra.Command, args []string) error {
	name, err := OptionalStringFlag(cmd, "name")
	if err != nil {
		return err
	}
	if name == "" {
		name = projectName(a.root)
	}
	target, err := OptionalStringFlag(cmd, "target")
	if err != nil {
		return err
	}
	language, err := OptionalStringFlag(cmd, "language")
	if err != nil {
		return err
	}
	pm, err := OptionalStringFlag(cmd, "pm")
	if err != nil {
		return err
	}
	if pm == "" {
		pm = workspace.DetectPackageManager(fileutil.NewDiskFS(a.root))
	}
	force, err := OptionalBoolFlag(cmd, "force", false)
	if err != nil {
		return err
	}
	dryRun, err := OptionalBoolFlag(cmd, "dry-run", false)
	if err != nil {
		return err
	}

	run, err := a.newRun(modulator.Options{DryRun: dryRun})
	if err != nil {
		return err
	}
	project := manifest.Project{Name: name, Target: target, Language: language, PackageManager: pm}
	res, err := run.Init(cmd.Context(), project, force)
	if err != nil {
		return err
	}
	a.logger.Debug("project initialized", zap.String("project", name), zap.Int("files", len(res.Files)))
	return printInit(cmd.OutOrStdout(), res, a.asJSON)
}
