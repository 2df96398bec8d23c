package trade

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PayoutTier maps a timeframe ceiling (seconds) to a payout percentage.
type PayoutTier struct {
	MaxTimeframe int `yaml:"max_timeframe"`
	ReturnPct    int `yaml:"return_pct"`
}

// PayoutTable resolves the payout percentage for a timeframe. The server-side
// table is authoritative; the UI presets are cosmetic.
type PayoutTable struct {
	Tiers      []PayoutTier `yaml:"tiers"`
	DefaultPct int          `yaml:"default_pct"`
}

// DefaultPayoutTable returns the built-in timeframe→return schedule.
func DefaultPayoutTable() PayoutTable {
	return PayoutTable{
		Tiers: []PayoutTier{
			{MaxTimeframe: 60, ReturnPct: 20},
			{MaxTimeframe: 120, ReturnPct: 30},
			{MaxTimeframe: 180, ReturnPct: 40},
			{MaxTimeframe: 360, ReturnPct: 50},
			{MaxTimeframe: 600, ReturnPct: 60},
			{MaxTimeframe: 1200, ReturnPct: 70},
		},
		DefaultPct: 80,
	}
}

// LoadPayoutTable reads a payout schedule from a YAML file.
func LoadPayoutTable(path string) (PayoutTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PayoutTable{}, err
	}

	var table PayoutTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return PayoutTable{}, fmt.Errorf("parse payout table: %w", err)
	}
	if len(table.Tiers) == 0 || table.DefaultPct <= 0 {
		return PayoutTable{}, fmt.Errorf("payout table %s: tiers and default_pct are required", path)
	}
	sort.Slice(table.Tiers, func(i, j int) bool {
		return table.Tiers[i].MaxTimeframe < table.Tiers[j].MaxTimeframe
	})
	return table, nil
}

// ReturnPct resolves the payout percentage for a timeframe in seconds.
func (t PayoutTable) ReturnPct(timeframe int) int {
	for _, tier := range t.Tiers {
		if timeframe <= tier.MaxTimeframe {
			return tier.ReturnPct
		}
	}
	return t.DefaultPct
}
