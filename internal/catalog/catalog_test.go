package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
)

const sample = `
products:
  - id: bolt
    name: Bolt
    description: M8 hex bolt
    hint: Check the thread pitch.
    properties:
      - "Thread: M8x1.25"
      - "Grade: 8.8"
    isGenuine: true
  - id: nut
    name: Nut
    description: M8 nut
    properties:
      - "Thread: M8x1.0"
checklists:
  villager:
    - Thread matches the standard pitch
    - Grade marking is stamped
  impostor:
    - Thread looks right
    - Grade marking is present
`

func TestParse(t *testing.T) {
	cat, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	require.Len(t, cat.Products, 2)
	assert.Equal(t, "Bolt", cat.Products[0].Name)
	assert.True(t, cat.Products[0].IsGenuine)
	assert.False(t, cat.Products[1].IsGenuine)
	assert.Equal(t, "Check the thread pitch.", cat.Products[0].Hint)
	assert.Len(t, cat.Checklist(engine.RoleImpostor), 2)
}

func TestParse_RejectsUnevenChecklists(t *testing.T) {
	bad := strings.Replace(sample, "    - Grade marking is present\n", "", 1)
	_, err := Parse(strings.NewReader(bad))
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("products: []\ncolour: red\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cat.Products, len(engine.DefaultCatalog().Products))

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cat, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bolt", cat.Products[0].ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
