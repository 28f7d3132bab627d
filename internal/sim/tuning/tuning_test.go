package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"structforge.ai/internal/sim/voxel"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "placement.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	p := writeYAML(t, `
scan_step: 2
queue:
  max_pending: 7
  timeout_seconds: 30
worlds:
  nether:
    min_score: 45
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.ScanStep)
	assert.Equal(t, 90.0, cfg.AcceptScore)
	assert.Equal(t, 7, cfg.Queue.MaxPending)
	assert.Equal(t, 30*time.Second, cfg.Queue.Timeout())
	assert.Equal(t, 5*time.Second, cfg.Queue.SweepInterval())
	assert.True(t, cfg.ValidateChunksBeforePaste)

	nether := cfg.World(voxel.WorldNether)
	assert.Equal(t, 45.0, nether.MinScore)
	assert.Equal(t, 120, nether.HighestY, "unset fields inherit the nether defaults")
	assert.Equal(t, 70.0, cfg.World(voxel.WorldNormal).MinScore)
}

func TestLoad_CustomWorldAliasesNormal(t *testing.T) {
	p := writeYAML(t, `
worlds:
  custom:
    lowest_y: 0
    highest_y: 200
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.World(voxel.WorldNormal).HighestY)
}

func TestLoad_SchemaRejectsUnknownKeys(t *testing.T) {
	p := writeYAML(t, "scan_stepp: 3\n")
	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestLoad_SchemaRejectsOutOfRangeScore(t *testing.T) {
	p := writeYAML(t, "accept_score: 140\n")
	_, err := Load(p)
	require.Error(t, err)
}

func TestValidate_RejectsUnknownPedestal(t *testing.T) {
	cfg := Defaults()
	w := cfg.Worlds["end"]
	w.DefaultPedestal = "cheese"
	cfg.Worlds["end"] = w
	require.Error(t, cfg.Validate())
}

func TestDefaultPedestal_PerWorldType(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, voxel.Stone, cfg.DefaultPedestal(voxel.WorldNormal))
	assert.Equal(t, voxel.Netherrack, cfg.DefaultPedestal(voxel.WorldNether))
	assert.Equal(t, voxel.EndStone, cfg.DefaultPedestal(voxel.WorldEnd))
}
