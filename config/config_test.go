package config

import "testing"

func TestDefaultPGTuningIsPositive(t *testing.T) {
	d := DefaultPGTuning()
	if d.MaxRecoveryOpsPerPG <= 0 || d.BackfillScanMax <= 0 || d.ActMapRetryIntervalMS <= 0 {
		t.Fatalf("default tuning has non-positive field: %+v", d)
	}
}

func TestConfigTypeDetection(t *testing.T) {
	if got := configType("node.yaml"); got != "yaml" {
		t.Fatalf("configType(yaml) = %s", got)
	}
	if got := configType("node.json"); got != "json" {
		t.Fatalf("configType(json) = %s", got)
	}
}
