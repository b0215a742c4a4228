package telemetry

import "testing"

func TestPCScanOnOverridesBRP(t *testing.T) {
	got := Report(Config{PCScanOn: true, PCScanAllowed: true, BRPMode: BRPEnabled})
	if got["BackupRefPtr_Effective"] != "Ignore_PCScanIsOn" {
		t.Errorf("BackupRefPtr_Effective = %q, want Ignore_PCScanIsOn", got["BackupRefPtr_Effective"])
	}
	if got["PCScan_Effective"] != "Enabled" || got["PCScan_Effective_Fallback"] != "Enabled" {
		t.Errorf("unexpected PCScan fields: %+v", got)
	}
}

func TestBRPOffPCScanOffRespectsAllowedFlag(t *testing.T) {
	allowed := Report(Config{BRPMode: BRPDisabled, PCScanAllowed: true})
	if allowed["PCScan_Effective"] != "Disabled" {
		t.Errorf("expected Disabled when PCScan is allowed, got %q", allowed["PCScan_Effective"])
	}

	notAllowed := Report(Config{BRPMode: BRPDisabled, PCScanAllowed: false})
	if notAllowed["PCScan_Effective"] != "Unavailable" {
		t.Errorf("expected Unavailable when PCScan is not allowed, got %q", notAllowed["PCScan_Effective"])
	}
	if allowed["BackupRefPtr_Effective"] != "Ignore_NoGroup" || notAllowed["BackupRefPtr_Effective"] != "Ignore_NoGroup" {
		t.Error("expected Ignore_NoGroup regardless of the PCScan-allowed flag")
	}
}

func TestBRPEnabledReportsLayoutAndProcess(t *testing.T) {
	got := Report(Config{BRPMode: BRPEnabled, RefCountLayout: LayoutPrevSlot, Process: BrowserOnly})
	if got["BackupRefPtr_Effective"] != "EnabledPrevSlot_browser-only" {
		t.Errorf("got %q", got["BackupRefPtr_Effective"])
	}
	if got["PCScan_Effective"] != "Ignore_BRPIsOn" || got["PCScan_Effective_Fallback"] != "Ignore_BRPIsOn" {
		t.Errorf("unexpected PCScan fields: %+v", got)
	}

	got2 := Report(Config{BRPMode: BRPEnabled, RefCountLayout: LayoutBeforeAlloc, Process: BrowserOnly})
	if got2["BackupRefPtr_Effective"] != "EnabledBeforeAlloc_browser-only" {
		t.Errorf("got %q", got2["BackupRefPtr_Effective"])
	}
}

func TestSplitVariantFallbackAsymmetry(t *testing.T) {
	got := Report(Config{BRPMode: BRPDisabledBut2WaySplit, Process: NonRenderer})
	if got["BackupRefPtr_Effective"] != "DisabledBut2WaySplit_non-renderer" {
		t.Errorf("got %q", got["BackupRefPtr_Effective"])
	}
	if got["PCScan_Effective"] != "Disabled" {
		t.Errorf("PCScan_Effective = %q, want Disabled", got["PCScan_Effective"])
	}
	if got["PCScan_Effective_Fallback"] != "Ignore_BRPIsOn" {
		t.Errorf("expected the fallback column to treat the split variant as BRP-on, got %q", got["PCScan_Effective_Fallback"])
	}
}

func TestSplitVariantProcessSuffixAllProcesses(t *testing.T) {
	got := Report(Config{BRPMode: BRPDisabledBut2WaySplit, Process: AllProcesses})
	if got["BackupRefPtr_Effective"] != "DisabledBut2WaySplit_all-processes" {
		t.Errorf("got %q", got["BackupRefPtr_Effective"])
	}
}
