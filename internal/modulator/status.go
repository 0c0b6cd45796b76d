package modulator

import (
	"time"

	"github.com/sprout-dev/sprout/internal/manifest"
)

type CapabilityStatus struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Latest      string    `json:"latest,omitempty"`
	InstalledAt time.Time `json:"installedAt"`
	Slot        string    `json:"slot,omitempty"`
	Package     string    `json:"package,omitempty"`
	Files       int       `json:"files"`
	Operations  int       `json:"operations"`
}

type StatusReport struct {
	Project      manifest.Project           `json:"project"`
	Capabilities []CapabilityStatus         `json:"capabilities"`
	Permissions  []manifest.PermissionGrant `json:"permissions"`
	Owned        []string                   `json:"owned"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}

// Status summarizes the manifest. Latest is set when the catalog carries a
// different version.
func (r *Run) Status() (*StatusReport, error) {
	m, err := r.loadManifest()
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		Project:      m.Project,
		Capabilities: make([]CapabilityStatus, 0, len(m.Capabilities)),
		Permissions:  m.Permissions,
		Owned:        m.Owned,
		UpdatedAt:    m.UpdatedAt,
	}
	for _, id := range m.IDs() {
		inst := m.Capabilities[id]
		st := CapabilityStatus{
			ID:          id,
			Version:     inst.Version,
			InstalledAt: inst.InstalledAt,
			Slot:        inst.Slot,
			Package:     inst.Effects.Package,
			Files:       len(inst.Effects.Files),
			Operations:  len(inst.Effects.Wiring) + len(inst.Effects.Patches),
		}
		if d, err := r.Catalog.Get(id); err == nil && d.Version != inst.Version {
			st.Latest = d.Version
		}
		report.Capabilities = append(report.Capabilities, st)
	}
	return report, nil
}
