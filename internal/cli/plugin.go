package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/modulator"
)

func (a *app) mutationOptions(cmd *cobra.Command) (modulator.Options, bool, error) {
	var opts modulator.Options
	var err error
	if opts.DryRun, err = OptionalBoolFlag(cmd, "dry-run", false); err != nil {
		return opts, false, err
	}
	if opts.Install, err = OptionalBoolFlag(cmd, "install", false); err != nil {
		return opts, false, err
	}
	if opts.Refresh, err = OptionalBoolFlag(cmd, "refresh", false); err != nil {
		return opts, false, err
	}
	yes, err := OptionalBoolFlag(cmd, "yes", false)
	if err != nil {
		return opts, false, err
	}
	return opts, yes, nil
}

func (a *app) runAdd(cmd *cobra.Command, args []string) error {
	opts, yes, err := a.mutationOptions(cmd)
	if err != nil {
		return err
	}
	ids := normalizeIDs(args)
	if err := a.confirmBatch(cmd, "install", ids, yes || opts.DryRun); err != nil {
		return err
	}
	run, err := a.newRun(opts)
	if err != nil {
		return err
	}
	batch := run.AddMany(cmd.Context(), ids)
	if err := printBatch(cmd.OutOrStdout(), "add", batch, a.asJSON); err != nil {
		return err
	}
	return batch.Err()
}

func (a *app) runRemove(cmd *cobra.Command, args []string) error {
	opts, yes, err := a.mutationOptions(cmd)
	if err != nil {
		return err
	}
	ids := normalizeIDs(args)
	if err := a.confirmBatch(cmd, "remove", ids, yes || opts.DryRun); err != nil {
		return err
	}
	run, err := a.newRun(opts)
	if err != nil {
		return err
	}
	batch := run.RemoveMany(cmd.Context(), ids)
	if err := printBatch(cmd.OutOrStdout(), "remove", batch, a.asJSON); err != nil {
		return err
	}
	return batch.Err()
}

func (a *app) runStatus(cmd *cobra.Command, args []string) error {
	run, err := a.newRun(modulator.Options{})
	if err != nil {
		return err
	}
	report, err := run.Status()
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), report, a.asJSON)
}

func (a *app) runDoctor(cmd *cobra.Command, args []string) error {
	run, err := a.newRun(modulator.Options{})
	if err != nil {
		return err
	}
	report, err := run.Doctor()
	if err != nil {
		return err
	}
	return printDoctor(cmd.OutOrStdout(), report, a.asJSON)
}

// CatalogEntry is one line of plugin list.
type CatalogEntry struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	Category    string   `json:"category"`
	Description string   `json:"description,omitempty"`
	Targets     []string `json:"targets"`
	Slot        string   `json:"slot,omitempty"`
	Depends     []string `json:"depends,omitempty"`
	Compatible  bool     `json:"compatible"`
	Installed   string   `json:"installed,omitempty"`
	Source      string   `json:"source"`
}

func (a *app) runList(cmd *cobra.Command, args []string) error {
	catalog, err := a.catalog()
	if err != nil {
		return err
	}
	var m *manifest.Manifest
	if manifest.Exists(a.root) {
		if m, err = manifest.Load(a.root); err != nil {
			return err
		}
	}

	entries := make([]CatalogEntry, 0)
	for _, d := range catalog.All() {
		entry := CatalogEntry{
			ID:          d.ID,
			Version:     d.Version,
			Category:    d.Category,
			Description: d.Description,
			Targets:     d.Targets,
			Slot:        d.Slot.Name,
			Depends:     d.Depends,
			Compatible:  true,
			Source:      d.Source,
		}
		if m != nil {
			entry.Compatible = d.Supports(m.Project.Target)
			if inst, ok := m.Capabilities[d.ID]; ok {
				entry.Installed = inst.Version
			}
		}
		entries = append(entries, entry)
	}
	return printCatalog(cmd.OutOrStdout(), entries, a.asJSON)
}

func (a *app) runRestore(cmd *cobra.Command, args []string) error {
	run, err := a.newRun(modulator.Options{})
	if err != nil {
		return err
	}
	restored, err := run.Restore(args[0], args[1])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if a.asJSON {
		return fileutil.PrintJSON(out, map[string]any{"run": args[0], "restored": restored})
	}
	fmt.Fprintf(out, "restored %d file(s) from %s\n", len(restored), args[0])
	for _, file := range restored {
		fmt.Fprintf(out, "  %s\n", file)
	}
	if len(restored) > 0 {
		fmt.Fprintln(out, "next: run sprout plugin doctor")
	}
	return nil
}

func normalizeIDs(args []string) []string {
	out := make([]string, 0, len(args))
	seen := make(map[string]bool, len(args))
	for _, arg := range args {
		for _, id := range strings.Split(arg, ",") {
			id = strings.ToLower(strings.TrimSpace(id))
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
