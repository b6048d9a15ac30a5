// Package portfolio loads target allocations from CSV or JSON files.
package portfolio

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
)

// LoadTargets reads a target allocation, dispatching on file extension.
// The result is validated before being returned.
func LoadTargets(path string) (broker.TargetAllocation, error) {
	var (
		targets broker.TargetAllocation
		err     error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		targets, err = loadCSV(path)
	case ".json":
		targets, err = loadJSON(path)
	default:
		return nil, fmt.Errorf("unsupported portfolio format %q (want .csv or .json)", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	if err := targets.Validate(); err != nil {
		return nil, fmt.Errorf("portfolio %s: %w", path, err)
	}
	return targets, nil
}

// loadCSV expects a header row of symbol,allocation_percentage followed by
// one row per target. Row order is preserved: it is the buy priority.
func loadCSV(path string) (broker.TargetAllocation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open portfolio: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse portfolio csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("portfolio %s: no target rows", path)
	}

	header := rows[0]
	symCol, pctCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "symbol", "ticker":
			symCol = i
		case "allocation_percentage", "allocation", "percent":
			pctCol = i
		}
	}
	if symCol < 0 || pctCol < 0 {
		return nil, fmt.Errorf("portfolio %s: header must name symbol and allocation_percentage columns", path)
	}

	var out broker.TargetAllocation
	for n, row := range rows[1:] {
		if len(row) <= symCol || len(row) <= pctCol {
			return nil, fmt.Errorf("portfolio %s: row %d is short", path, n+2)
		}
		symbol := strings.ToUpper(strings.TrimSpace(row[symCol]))
		pct, err := strconv.ParseFloat(strings.TrimSpace(row[pctCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("portfolio %s: row %d: bad allocation %q", path, n+2, row[pctCol])
		}
		out = append(out, broker.TargetEntry{Symbol: symbol, Percent: pct})
	}
	return out, nil
}

// loadJSON accepts {"SYMBOL": percent, ...}. JSON objects carry no order,
// so entries are sorted by descending percent (ties by symbol) to give a
// deterministic buy priority.
func loadJSON(path string) (broker.TargetAllocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open portfolio: %w", err)
	}

	raw := map[string]float64{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse portfolio json: %w", err)
	}

	var out broker.TargetAllocation
	for symbol, pct := range raw {
		out = append(out, broker.TargetEntry{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Percent: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Percent != out[j].Percent {
			return out[i].Percent > out[j].Percent
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}
