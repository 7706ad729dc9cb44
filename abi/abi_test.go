package abi

import "testing"

func TestSupported(t *testing.T) {
	tests := []struct {
		v    int32
		want bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{-1, false},
	}
	for _, tt := range tests {
		if got := Supported(tt.v); got != tt.want {
			t.Errorf("Supported(%d) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestRequiredFunctions(t *testing.T) {
	v1 := RequiredFunctions(1)
	v2 := RequiredFunctions(2)

	if len(v2) != len(v1)+1 {
		t.Fatalf("version 2 should require exactly one export more than version 1: v1=%d v2=%d", len(v1), len(v2))
	}

	has := func(names []string, want string) bool {
		for _, n := range names {
			if n == want {
				return true
			}
		}
		return false
	}

	if has(v1, ExportApplyParams) {
		t.Errorf("version 1 must not require %s", ExportApplyParams)
	}
	if !has(v2, ExportApplyParams) {
		t.Errorf("version 2 must require %s", ExportApplyParams)
	}

	// The contract is append-only: everything version 1 requires, version 2
	// requires too.
	for _, n := range v1 {
		if !has(v2, n) {
			t.Errorf("version 2 dropped export %s required by version 1", n)
		}
	}

	for _, n := range v2 {
		if n == VersionGlobal {
			t.Errorf("%s is a global, not a function export", VersionGlobal)
		}
	}
}

func TestHasApplyParams(t *testing.T) {
	if HasApplyParams(1) {
		t.Error("version 1 has no apply step")
	}
	if !HasApplyParams(2) {
		t.Error("version 2 has the apply step")
	}
}
