package manager

import (
	"context"

	"bulkblock.org/account"
	"bulkblock.org/config"
	"bulkblock.org/store"
)

// TargetReport is the diagnostic view of one target: what the history
// records and what the upstream currently says. Nothing is written.
type TargetReport struct {
	Identifier string
	Format     config.Format
	Stored     *store.Outcome
	Live       *account.Resolved
}

// DebugTarget inspects a single target without mutating any state.
func (m *Manager) DebugTarget(ctx context.Context, identifier string, format config.Format) (*TargetReport, error) {
	report := &TargetReport{Identifier: identifier, Format: format}

	stored, err := m.store.Get(identifier, format)
	if err != nil {
		return nil, err
	}
	report.Stored = stored

	resolved, err := m.api.ResolveUsers(ctx, []string{identifier}, format)
	if err != nil {
		return nil, err
	}
	report.Live = resolved[identifier]
	return report, nil
}
