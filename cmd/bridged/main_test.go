package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/austindbirch/starbridge/internal/browser"
	"github.com/austindbirch/starbridge/internal/config"
	"github.com/austindbirch/starbridge/internal/delivery"
)

func TestBuildStrategies(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		inPage    bool
		want      []string
	}{
		{name: "rpc first", preferred: "rpc", inPage: true, want: []string{delivery.StrategyRPC, delivery.StrategyUI}},
		{name: "ui first", preferred: "ui", inPage: false, want: []string{delivery.StrategyUI, delivery.StrategyRPC}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.FromEnv()
			cfg.Dispatch.Preferred = tt.preferred
			cfg.Browser.InPageRPC = tt.inPage

			got, err := buildStrategies(cfg, &browser.Session{})
			if err != nil {
				t.Fatalf("buildStrategies() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("buildStrategies() returned %d strategies, want %d", len(got), len(tt.want))
			}
			for i, s := range got {
				if s.Name() != tt.want[i] {
					t.Errorf("strategy[%d] = %q, want %q", i, s.Name(), tt.want[i])
				}
			}
		})
	}
}

func TestBuildStrategiesBadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.yaml")
	if err := os.WriteFile(path, []byte("add_trigger: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.FromEnv()
	cfg.Dispatch.UITable = path

	if _, err := buildStrategies(cfg, &browser.Session{}); err == nil {
		t.Error("buildStrategies() expected error for a purpose without matchers")
	}
}
