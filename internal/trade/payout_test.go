package trade

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPayoutTable(t *testing.T) {
	table := DefaultPayoutTable()
	cases := []struct {
		timeframe int
		want      int
	}{
		{30, 20},
		{60, 20},
		{61, 30},
		{120, 30},
		{180, 40},
		{360, 50},
		{600, 60},
		{1200, 70},
		{1201, 80},
		{3600, 80},
	}
	for _, tc := range cases {
		if got := table.ReturnPct(tc.timeframe); got != tc.want {
			t.Errorf("ReturnPct(%d) = %d, want %d", tc.timeframe, got, tc.want)
		}
	}
}

func TestLoadPayoutTable(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payouts.yaml")
		content := `
tiers:
  - max_timeframe: 300
    return_pct: 25
  - max_timeframe: 120
    return_pct: 15
default_pct: 90
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		table, err := LoadPayoutTable(path)
		if err != nil {
			t.Fatalf("LoadPayoutTable: %v", err)
		}
		// Tiers are sorted on load, so the 120s tier matches first.
		if got := table.ReturnPct(100); got != 15 {
			t.Errorf("ReturnPct(100) = %d, want 15", got)
		}
		if got := table.ReturnPct(200); got != 25 {
			t.Errorf("ReturnPct(200) = %d, want 25", got)
		}
		if got := table.ReturnPct(500); got != 90 {
			t.Errorf("ReturnPct(500) = %d, want 90", got)
		}
	})

	t.Run("missing tiers", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payouts.yaml")
		if err := os.WriteFile(path, []byte("default_pct: 80\n"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := LoadPayoutTable(path); err == nil {
			t.Fatal("expected error for table without tiers")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadPayoutTable("/nonexistent/payouts.yaml"); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}
