package risk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadBaselineCSV reads a crop production table with at least a District
// and an Area column (matched case-insensitively) and sums Area per
// district. Rows with an empty Area are skipped.
func LoadBaselineCSV(r io.Reader) ([]Baseline, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read baseline header: %w", err)
	}
	districtCol, areaCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "district":
			districtCol = i
		case "area":
			areaCol = i
		}
	}
	if districtCol < 0 || areaCol < 0 {
		return nil, fmt.Errorf("baseline header must contain District and Area columns, got %v", header)
	}

	totals := make(map[string]float64)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read baseline row: %w", err)
		}
		if districtCol >= len(row) || areaCol >= len(row) {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("baseline line %d: too few columns", line)
		}
		name := NormalizeDistrict(row[districtCol])
		raw := strings.TrimSpace(row[areaCol])
		if name == "" || raw == "" {
			continue
		}
		area, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			line, _ := cr.FieldPos(areaCol)
			return nil, fmt.Errorf("baseline line %d: bad area %q: %w", line, raw, err)
		}
		totals[name] += area
	}
	return sortedBaseline(totals), nil
}

type baselineFile struct {
	Districts []Baseline `yaml:"districts"`
}

// LoadBaselineYAML reads a pre-aggregated baseline:
//
//	districts:
//	  - name: ARIYALUR
//	    total_area: 50000
func LoadBaselineYAML(r io.Reader) ([]Baseline, error) {
	var f baselineFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode baseline yaml: %w", err)
	}
	return f.Districts, nil
}

// LoadBaselineFile picks a loader by file extension.
func LoadBaselineFile(path string) ([]Baseline, error) {
	// #nosec G304 -- path comes from operator configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open baseline: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadBaselineCSV(f)
	case ".yaml", ".yml":
		return LoadBaselineYAML(f)
	default:
		return nil, fmt.Errorf("unsupported baseline format %q", filepath.Ext(path))
	}
}

func sortedBaseline(totals map[string]float64) []Baseline {
	out := make([]Baseline, 0, len(totals))
	for name, area := range totals {
		out = append(out, Baseline{Name: name, TotalArea: area})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
