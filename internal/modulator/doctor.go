package modulator

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/sprout-dev/sprout/internal/backup"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/ledger"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/outcome"
	"github.com/sprout-dev/sprout/internal/zone"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Finding is one doctor observation.
type Finding struct {
	Check      string   `json:"check"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	File       string   `json:"file,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

type DoctorReport struct {
	Healthy     bool         `json:"healthy"`
	Installed   []string     `json:"installed"`
	Findings    []Finding    `json:"findings"`
	Suggestions []string     `json:"suggestions,omitempty"`
	Runs        []backup.Run `json:"runs,omitempty"`
}

func (d *DoctorReport) add(f Finding) {
	d.Findings = append(d.Findings, f)
	if f.Suggestion != "" {
		d.Suggestions = append(d.Suggestions, f.Suggestion)
	}
}

// Count returns the number of findings at severity s.
func (d *DoctorReport) Count(s Severity) int {
	n := 0
	for _, f := range d.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

// Doctor inspects the project without changing it. Errors are returned only
// when the inspection itself cannot run; problems are findings.
func (r *Run) Doctor() (*DoctorReport, error) {
	report := &DoctorReport{Installed: []string{}, Findings: []Finding{}}

	m, err := manifest.Load(r.Root)
	if err != nil {
		f := Finding{Check: "manifest", Severity: SeverityError, Message: err.Error(), File: manifest.Path(r.Root)}
		if errors.Is(err, manifest.ErrNotFound) {
			f.Suggestion = "run sprout init"
		}
		report.add(f)
		r.doctorLock(report)
		report.finish()
		return report, nil
	}
	r.Manifest = m
	report.Installed = m.IDs()

	r.doctorMarkers(report)
	r.doctorFingerprints(report, m)
	r.doctorFiles(report, m)
	r.doctorCatalog(report, m)
	r.doctorPermissions(report, m)
	r.doctorLock(report)

	runs, err := backup.List(r.Root, r.Config.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	report.Runs = runs
	report.finish()
	return report, nil
}

func (d *DoctorReport) finish() {
	d.Suggestions = fileutil.DedupeStrings(d.Suggestions)
	sort.Strings(d.Suggestions)
	d.Healthy = d.Count(SeverityError) == 0 && d.Count(SeverityWarning) == 0
}

// doctorMarkers checks every contract file of the composition package.
func (r *Run) doctorMarkers(report *DoctorReport) {
	v := marker.NewValidator(r.Config.Namespace)
	byFile := make(map[string][]marker.Contract)
	for _, c := range marker.Contracts() {
		byFile[c.DefaultFile] = append(byFile[c.DefaultFile], c)
	}
	for _, file := range fileutil.MapKeysSorted(byFile) {
		rel := r.compositionFile(file)
		data, err := r.disk.ReadFile(rel)
		if err != nil {
			report.add(Finding{Check: "markers", Severity: SeverityError, File: rel,
				Message: outcome.NotFound(rel), Suggestion: "run sprout init --force to restore the composition package"})
			continue
		}
		for _, c := range byFile[file] {
			_, err := v.Validate(data, rel, c.Type)
			switch {
			case err == nil:
			case marker.IsMissing(err) && !c.Required:
				report.add(Finding{Check: "markers", Severity: SeverityInfo, File: rel,
					Message: fmt.Sprintf("optional marker %s is absent; its contributions will be skipped", c.Type)})
			default:
				report.add(Finding{Check: "markers", Severity: SeverityError, File: rel,
					Message: err.Error() + "\n" + marker.Remediation(err)})
			}
		}
		if _, errs := v.Scan(data, rel); len(errs) > 0 {
			for _, e := range errs {
				var malformed *marker.MalformedError
				if errors.As(e, &malformed) && malformed.Reason == "unknown marker type" {
					report.add(Finding{Check: "markers", Severity: SeverityWarning, File: rel, Message: e.Error()})
				}
			}
		}
	}
}

// doctorFingerprints compares recorded effects with the records present in
// files, both ways.
func (r *Run) doctorFingerprints(report *DoctorReport, m *manifest.Manifest) {
	l := ledger.New(r.Config.Namespace)
	expected := make(map[string]map[string]bool)
	want := func(file, id string) {
		if expected[file] == nil {
			expected[file] = make(map[string]bool)
		}
		expected[file][id] = true
	}
	for _, id := range m.IDs() {
		eff := m.Capabilities[id].Effects
		for _, w := range eff.Wiring {
			want(w.File, w.ID)
		}
		for _, p := range eff.Patches {
			if recordable(p.File) {
				want(p.File, p.ID)
			}
		}
	}

	files := make(map[string]bool)
	for file := range expected {
		files[file] = true
	}
	for _, c := range marker.Contracts() {
		files[r.compositionFile(c.DefaultFile)] = true
	}

	for _, rel := range fileutil.MapKeysSorted(files) {
		data, err := r.disk.ReadFile(rel)
		if err != nil {
			if len(expected[rel]) > 0 {
				report.add(Finding{Check: "fingerprints", Severity: SeverityError, File: rel,
					Message: fmt.Sprintf("%d recorded operation(s) target a missing file", len(expected[rel]))})
			}
			continue
		}
		found := make(map[string]bool)
		for _, rec := range l.Records(marker.SplitLines(data)) {
			found[rec.ID] = true
			if !expected[rel][rec.ID] {
				capID := ledger.CapabilityOf(rec.ID)
				f := Finding{Check: "fingerprints", Severity: SeverityWarning, File: rel,
					Message: fmt.Sprintf("orphan record %s at line %d", rec.ID, rec.Line+1)}
				if !m.Has(capID) {
					f.Message += fmt.Sprintf("; %s is not installed", capID)
				}
				report.add(f)
			}
		}
		for _, id := range fileutil.MapKeysSorted(expected[rel]) {
			if !found[id] {
				capID := ledger.CapabilityOf(id)
				report.add(Finding{Check: "fingerprints", Severity: SeverityWarning, File: rel,
					Message:    fmt.Sprintf("record %s is missing; the file drifted from the manifest", id),
					Suggestion: "run sprout plugin add --refresh " + capID})
			}
		}
	}
}

func (r *Run) doctorFiles(report *DoctorReport, m *manifest.Manifest) {
	for _, id := range m.IDs() {
		for _, rel := range m.Capabilities[id].Effects.Files {
			if !r.disk.Exists(rel) {
				report.add(Finding{Check: "files", Severity: SeverityWarning, File: rel,
					Message:    fmt.Sprintf("file materialized by %s is missing", id),
					Suggestion: "run sprout plugin add --refresh " + id})
			}
		}
	}
	policy := zone.NewPolicy(r.Config.ManagedDir, r.Config.UserDir, nil)
	for _, owned := range m.Owned {
		if policy.InUser(owned) {
			report.add(Finding{Check: "files", Severity: SeverityError, File: owned,
				Message: "ownership ledger claims a path in the user zone"})
		}
	}
}

func (r *Run) doctorCatalog(report *DoctorReport, m *manifest.Manifest) {
	for _, id := range m.IDs() {
		d, err := r.Catalog.Get(id)
		if err != nil {
			report.add(Finding{Check: "catalog", Severity: SeverityWarning,
				Message: fmt.Sprintf("%s is installed but no descriptor is available", id)})
			continue
		}
		if inst := m.Capabilities[id]; inst.Version != d.Version {
			report.add(Finding{Check: "catalog", Severity: SeverityInfo,
				Message:    fmt.Sprintf("%s %s is installed; the catalog has %s", id, inst.Version, d.Version),
				Suggestion: "run sprout plugin add --refresh " + id})
		}
	}
}

func (r *Run) doctorPermissions(report *DoctorReport, m *manifest.Manifest) {
	recomputed := m.Clone()
	recomputed.RecomputePermissions()
	if len(recomputed.Permissions) != len(m.Permissions) {
		report.add(Finding{Check: "permissions", Severity: SeverityWarning,
			Message: "aggregated permissions disagree with installed capabilities"})
		return
	}
	for i := range m.Permissions {
		a, b := m.Permissions[i], recomputed.Permissions[i]
		if a.Permission != b.Permission || a.Platform != b.Platform || a.Required != b.Required {
			report.add(Finding{Check: "permissions", Severity: SeverityWarning,
				Message: fmt.Sprintf("permission %s/%s is out of date", a.Platform, a.Permission)})
		}
	}
}

func (r *Run) doctorLock(report *DoctorReport) {
	info, err := ReadLock(r.Root)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		report.add(Finding{Check: "lock", Severity: SeverityWarning, File: LockPath(r.Root), Message: err.Error(),
			Suggestion: "delete " + LockPath(r.Root)})
	case r.now().Sub(info.Since) > StaleAfter:
		report.add(Finding{Check: "lock", Severity: SeverityWarning, File: LockPath(r.Root),
			Message:    fmt.Sprintf("stale lock held by pid %d since %s", info.PID, info.Since.Format("2006-01-02 15:04:05")),
			Suggestion: "delete " + LockPath(r.Root) + " if no sprout command is running"})
	default:
		report.add(Finding{Check: "lock", Severity: SeverityInfo, File: LockPath(r.Root),
			Message: fmt.Sprintf("lock held by pid %d", info.PID)})
	}
}
