package main

import "testing"

func TestSplitRule(t *testing.T) {
	tests := []struct {
		in         string
		kind, path string
		ok         bool
	}{
		{"camera:/usr/bin/cheese", "camera", "/usr/bin/cheese", true},
		{"*:/opt/zoom/zoom", "*", "/opt/zoom/zoom", true},
		{"/usr/bin/cheese", "", "", false},
		{"camera:", "", "", false},
	}
	for _, tt := range tests {
		kind, path, err := splitRule(tt.in)
		if (err == nil) != tt.ok || kind != tt.kind || path != tt.path {
			t.Errorf("splitRule(%q) = %q, %q, %v", tt.in, kind, path, err)
		}
	}
}
