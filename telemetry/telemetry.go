// Package telemetry implements the synthetic-field reporting bridge of
// spec.md §4.10/§6.5: a pure function turning build-flag/feature state into
// a small fixed vocabulary of reported strings, bit-exact with the table
// the spec defines.
//
// Grounded on kernel/kfmt/early/early_fmt.go's discipline of building
// output from a finite, explicitly-handled set of cases rather than
// reflection; here there is no crash-path constraint (this is pure
// reporting, never called from an allocation/free hot path), so it is
// written as an ordinary pure function instead of an allocation-free one.
package telemetry

// BRPMode is the effective BackupRefPtr build configuration.
type BRPMode int

const (
	BRPDisabled BRPMode = iota
	BRPEnabled
	BRPDisabledBut2WaySplit
	BRPDisabledBut3WaySplit
)

// RefCountLayout selects where the BRP ref-count sits inside a slot when
// BRP is enabled.
type RefCountLayout int

const (
	LayoutPrevSlot RefCountLayout = iota
	LayoutBeforeAlloc
)

// ProcessKind is the process category BRP is configured for.
type ProcessKind int

const (
	BrowserOnly ProcessKind = iota
	BrowserAndRenderer
	NonRenderer
	AllProcesses
)

func (p ProcessKind) suffix() string {
	switch p {
	case BrowserAndRenderer:
		return "browser-and-renderer"
	case NonRenderer:
		return "non-renderer"
	case AllProcesses:
		return "all-processes"
	default:
		return "browser-only"
	}
}

// Config is the build-flag/feature-list state the report is computed from.
type Config struct {
	PCScanOn       bool
	PCScanAllowed  bool // PA_ALLOW_PCSCAN
	BRPMode        BRPMode
	RefCountLayout RefCountLayout
	Process        ProcessKind
}

// Report computes the synthetic-field map, following spec.md §6.5's table
// row by row in priority order (PCScan-on first, since it overrides BRP's
// own reporting regardless of BRP state).
func Report(cfg Config) map[string]string {
	pcscanOffValue := "Disabled"
	if !cfg.PCScanAllowed {
		pcscanOffValue = "Unavailable"
	}

	switch {
	case cfg.PCScanOn:
		eff := "Enabled"
		if !cfg.PCScanAllowed {
			eff = "Unavailable"
		}
		return map[string]string{
			"BackupRefPtr_Effective":       "Ignore_PCScanIsOn",
			"PCScan_Effective":             eff,
			"PCScan_Effective_Fallback":    eff,
		}

	case cfg.BRPMode == BRPDisabled:
		return map[string]string{
			"BackupRefPtr_Effective":    "Ignore_NoGroup",
			"PCScan_Effective":          pcscanOffValue,
			"PCScan_Effective_Fallback": pcscanOffValue,
		}

	case cfg.BRPMode == BRPEnabled:
		label := "EnabledBeforeAlloc_"
		if cfg.RefCountLayout == LayoutPrevSlot {
			label = "EnabledPrevSlot_"
		}
		return map[string]string{
			"BackupRefPtr_Effective":    label + cfg.Process.suffix(),
			"PCScan_Effective":          "Ignore_BRPIsOn",
			"PCScan_Effective_Fallback": "Ignore_BRPIsOn",
		}

	case cfg.BRPMode == BRPDisabledBut2WaySplit, cfg.BRPMode == BRPDisabledBut3WaySplit:
		label := "DisabledBut2WaySplit_"
		if cfg.BRPMode == BRPDisabledBut3WaySplit {
			label = "DisabledBut3WaySplit_"
		}
		// The fallback column treats any split variant as BRP-on
		// (spec.md §6.5's asymmetry note): only mode == "disabled"
		// counts as disabled for PCScan_Effective_Fallback.
		return map[string]string{
			"BackupRefPtr_Effective":    label + cfg.Process.suffix(),
			"PCScan_Effective":          "Disabled",
			"PCScan_Effective_Fallback": "Ignore_BRPIsOn",
		}

	default:
		return map[string]string{
			"BackupRefPtr_Effective":    "Disabled",
			"PCScan_Effective":          "Disabled",
			"PCScan_Effective_Fallback": "Disabled",
		}
	}
}
