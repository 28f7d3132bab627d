package template

import (
	"fmt"
	"strings"

	"structforge.ai/internal/sim/voxel"
)

type MobType uint8

const (
	MobVanilla MobType = iota
	MobElite
	MobMythic
	// MobVanillaOverride is a vanilla marker served by the mythic provider.
	MobVanillaOverride
	// MobEliteOverride is an elite marker served by the mythic provider.
	MobEliteOverride
)

var mobTypeNames = [...]string{
	MobVanilla:         "vanilla",
	MobElite:           "elite",
	MobMythic:          "mythic",
	MobVanillaOverride: "vanilla_override",
	MobEliteOverride:   "elite_override",
}

func (m MobType) String() string {
	if int(m) < len(mobTypeNames) {
		return mobTypeNames[m]
	}
	return "unknown"
}

func ParseMobType(s string) (MobType, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for i, n := range mobTypeNames {
		if n == want {
			return MobType(i), nil
		}
	}
	return MobVanilla, fmt.Errorf("unknown mob type %q", s)
}

// SpawnMarker is a mob spawn point at a template-local cell.
type SpawnMarker struct {
	Pos  voxel.Vec3i
	Type MobType
	ID   string
}

// SpawnConfig describes one spawned mob relative to the structure anchor.
type SpawnConfig struct {
	Type MobType
	ID   string
	Rel  voxel.Vec3i
}

// ShouldRespawn is false for elite bosses, which persist on their own.
func (c SpawnConfig) ShouldRespawn() bool {
	return c.Type != MobElite && c.Type != MobEliteOverride
}

// SpawnConfigs projects the template's spawn markers onto anchor-relative
// offsets, one cell above the marker.
func (t *Template) SpawnConfigs() []SpawnConfig {
	out := make([]SpawnConfig, 0, len(t.spawns))
	for _, sp := range t.spawns {
		out = append(out, SpawnConfig{
			Type: sp.Type,
			ID:   sp.ID,
			Rel:  t.Offset.Add(sp.Pos).Add(voxel.Vec3i{Y: 1}),
		})
	}
	return out
}
