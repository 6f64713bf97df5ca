package risk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cropCSV = `State_Name,District,Crop_Year,Season,Crop,Area,Production
Tamil Nadu,ARIYALUR ,2010,Kharif,Rice,30000,90000
Tamil Nadu,ariyalur,2011,Kharif,Maize,20000,40000
Tamil Nadu,SALEM,2010,Rabi,Ragi,1500.5,2000
Tamil Nadu,SALEM,2011,Rabi,Ragi,,2000
`

func TestLoadBaselineCSV(t *testing.T) {
	got, err := LoadBaselineCSV(strings.NewReader(cropCSV))
	require.NoError(t, err)
	assert.Equal(t, []Baseline{
		{Name: "ARIYALUR", TotalArea: 50000},
		{Name: "SALEM", TotalArea: 1500.5},
	}, got)
}

func TestLoadBaselineCSV_MissingColumns(t *testing.T) {
	_, err := LoadBaselineCSV(strings.NewReader("Name,Size\nX,1\n"))
	assert.Error(t, err)
}

func TestLoadBaselineCSV_BadArea(t *testing.T) {
	_, err := LoadBaselineCSV(strings.NewReader("District,Area\nX,lots\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestLoadBaselineYAML(t *testing.T) {
	doc := `
districts:
  - name: Ariyalur
    total_area: 50000
  - name: Salem
    total_area: 1200.25
`
	got, err := LoadBaselineYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Ariyalur", got[0].Name)
	assert.Equal(t, 1200.25, got[1].TotalArea)
}

func TestLoadBaselineFile(t *testing.T) {
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "crops.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(cropCSV), 0o600))
	got, err := LoadBaselineFile(csvPath)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	txtPath := filepath.Join(dir, "crops.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte(cropCSV), 0o600))
	_, err = LoadBaselineFile(txtPath)
	assert.Error(t, err)

	_, err = LoadBaselineFile(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}
