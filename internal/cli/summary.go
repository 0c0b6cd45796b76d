package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/modulator"
	"github.com/sprout-dev/sprout/internal/outcome"
)

// BatchSummary is the --json shape of plugin add and plugin remove.
type BatchSummary struct {
	Mode    string `json:"mode"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	*modulator.BatchResult
}

func printInit(w io.Writer, res *modulator.InitResult, asJSON bool) error {
	if asJSON {
		return fileutil.PrintJSON(w, res)
	}
	mode := "init"
	if res.DryRun {
		mode = "init (dry-run)"
	}
	fmt.Fprintf(w, "%s: project=%s target=%s language=%s pm=%s\n",
		mode, res.Project.Name, res.Project.Target, res.Project.Language, res.Project.PackageManager)
	paths := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		paths = append(paths, f.Path)
	}
	if len(paths) > 0 {
		fmt.Fprintf(w, "files (%d): %s\n", len(paths), SummarizePaths(paths, 8))
	}
	if len(res.Linked) > 0 {
		fmt.Fprintf(w, "linked: %s\n", strings.Join(res.Linked, ", "))
	}
	printDiffs(w, res.Diffs)
	if !res.DryRun {
		fmt.Fprintln(w, "next: run sprout plugin list")
	}
	return nil
}

func printBatch(w io.Writer, mode string, batch *modulator.BatchResult, asJSON bool) error {
	err := batch.Err()
	if asJSON {
		summary := BatchSummary{Mode: mode, Success: err == nil, BatchResult: batch}
		if err != nil {
			summary.Error = err.Error()
		}
		return fileutil.PrintJSON(w, summary)
	}

	for _, res := range batch.Results {
		verb := mode
		if res.DryRun {
			verb += " (dry-run)"
		}
		counts := outcome.Count(res.Operations)
		switch {
		case res.Success && res.AlreadyInstalled:
			fmt.Fprintf(w, "%s: %s already installed (skipped=%d)\n", verb, res.CapabilityID, counts[outcome.Skipped])
		case res.Success:
			fmt.Fprintf(w, "%s: %s ok injected=%d skipped=%d removed=%d files=%d backups=%d\n",
				verb, res.CapabilityID,
				counts[outcome.Injected], counts[outcome.Skipped], counts[outcome.Removed],
				len(res.Files), len(res.Backups))
		default:
			fmt.Fprintf(w, "%s: %s failed: %s\n", verb, res.CapabilityID, res.Error)
			if committed := res.Committed(); len(committed) > 0 {
				names := make([]string, 0, len(committed))
				for _, s := range committed {
					names = append(names, string(s))
				}
				fmt.Fprintf(w, "  committed stages: %s\n", strings.Join(names, ", "))
			}
			if len(res.Backups) > 0 && batch.RunID != "" {
				fmt.Fprintf(w, "  backups: %d file(s); undo with: sprout plugin restore %s %s\n", len(res.Backups), batch.RunID, res.CapabilityID)
			}
		}
		if res.Plan != nil && len(res.Plan.Permissions) > 0 {
			perms := make([]string, 0, len(res.Plan.Permissions))
			for _, p := range res.Plan.Permissions {
				perms = append(perms, p.String())
			}
			fmt.Fprintf(w, "  permissions: %s\n", strings.Join(perms, ", "))
		}
	}
	if batch.Install != nil {
		if batch.Install.Committed {
			fmt.Fprintln(w, "install: ok")
		} else {
			fmt.Fprintf(w, "install: failed: %s\n", batch.Install.Error)
		}
	}
	printDiffs(w, batch.Diffs)
	if fix := marker.Remediation(err); fix != "" {
		fmt.Fprintf(w, "fix: %s\n", fix)
	}
	return nil
}

func printDiffs(w io.Writer, diffs []modulator.FileDiff) {
	for _, d := range diffs {
		fmt.Fprintf(w, "\n%s (+%d -%d)\n", d.Path, d.Added, d.Removed)
		fmt.Fprint(w, d.Unified)
	}
}

func printStatus(w io.Writer, report *modulator.StatusReport, asJSON bool) error {
	if asJSON {
		return fileutil.PrintJSON(w, report)
	}
	fmt.Fprintf(w, "project: %s target=%s pm=%s\n", report.Project.Name, report.Project.Target, report.Project.PackageManager)
	if len(report.Capabilities) == 0 {
		fmt.Fprintln(w, "capabilities: none")
	}
	for _, c := range report.Capabilities {
		line := fmt.Sprintf("  %s %s", c.ID, c.Version)
		if c.Slot != "" {
			line += " slot=" + c.Slot
		}
		line += fmt.Sprintf(" files=%d operations=%d", c.Files, c.Operations)
		if c.Latest != "" {
			line += " (catalog: " + c.Latest + ")"
		}
		fmt.Fprintln(w, line)
	}
	for _, p := range report.Permissions {
		platform := p.Platform
		if platform == "" {
			platform = "all"
		}
		kind := "optional"
		if p.Required {
			kind = "required"
		}
		fmt.Fprintf(w, "permission: %s (%s, %s) <- %s\n", p.Permission, platform, kind, strings.Join(p.Sources, ", "))
	}
	return nil
}

func printDoctor(w io.Writer, report *modulator.DoctorReport, asJSON bool) error {
	if asJSON {
		return fileutil.PrintJSON(w, report)
	}
	status := "issues"
	if report.Healthy {
		status = "ok"
	}
	fmt.Fprintf(w, "doctor: %s\n", status)
	fmt.Fprintf(w, "installed (%d): %s\n", len(report.Installed), SummarizePaths(report.Installed, 8))
	fmt.Fprintf(w, "findings: errors=%d warnings=%d info=%d\n",
		report.Count(modulator.SeverityError), report.Count(modulator.SeverityWarning), report.Count(modulator.SeverityInfo))
	for _, f := range report.Findings {
		where := ""
		if f.File != "" {
			where = " " + f.File
		}
		fmt.Fprintf(w, "  [%s] %s%s: %s\n", f.Severity, f.Check, where, f.Message)
	}
	if len(report.Runs) > 0 {
		last := report.Runs[len(report.Runs)-1]
		fmt.Fprintf(w, "audit: runs=%d latest=%s\n", len(report.Runs), last.ID)
	}
	for _, suggestion := range report.Suggestions {
		fmt.Fprintf(w, "next: %s\n", suggestion)
	}
	return nil
}

func printCatalog(w io.Writer, entries []CatalogEntry, asJSON bool) error {
	if asJSON {
		return fileutil.PrintJSON(w, entries)
	}
	for _, e := range entries {
		flags := make([]string, 0, 2)
		if e.Installed != "" {
			flags = append(flags, "installed "+e.Installed)
		}
		if !e.Compatible {
			flags = append(flags, "incompatible")
		}
		line := fmt.Sprintf("%-22s %-8s %s", e.ID, e.Version, strings.Join(e.Targets, ","))
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ", ") + "]"
		}
		if e.Description != "" {
			line += "  " + e.Description
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func SummarizePaths(paths []string, max int) string {
	if len(paths) <= max {
		return strings.Join(paths, ", ")
	}
	return fmt.Sprintf("%s ... (+%d more)", strings.Join(paths[:max], ", "), len(paths)-max)
}
