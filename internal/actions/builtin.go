package actions

import "log/slog"

// BuiltinDeps carries what the built-in actions need from the host.
type BuiltinDeps struct {
	// Ledger backs records.*; those actions are skipped when nil.
	Ledger RecordLedger
	HTTP   HTTPConfig
	Logger *slog.Logger
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	all := make([]Action, 0, 16)

	all = append(all,
		NewHTTPRequestAction(deps.HTTP),
		NewHTTPGetAction(deps.HTTP),
		NewHTTPPostAction(deps.HTTP),
	)
	all = append(all, CryptoActions()...)
	all = append(all, ExprActions()...)
	all = append(all, DataActions()...)
	all = append(all, WorkflowActions(deps.Logger)...)
	if deps.Ledger != nil {
		all = append(all, RecordActions(deps.Ledger)...)
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
