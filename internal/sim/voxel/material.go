package voxel

import (
	"fmt"
	"strings"
)

// Material is a block type id. The zero value is Air.
type Material uint16

const (
	Air Material = iota
	CaveAir
	VoidAir
	Stone
	Deepslate
	Dirt
	Grass
	Sand
	Gravel
	Water
	Lava
	Netherrack
	Basalt
	EndStone
	Obsidian
	Bedrock
	Barrier
	Log
	Leaves
	TallGrass
	Snow
	Planks
	Cobblestone
	Glass
	Chest
	Sign
	Torch

	materialCount
)

type materialDef struct {
	name      string
	solid     bool
	air       bool
	liquid    bool
	ignorable bool
}

var materialDefs = [materialCount]materialDef{
	Air:         {name: "air", air: true, ignorable: true},
	CaveAir:     {name: "cave_air", air: true, ignorable: true},
	VoidAir:     {name: "void_air", air: true, ignorable: true},
	Stone:       {name: "stone", solid: true},
	Deepslate:   {name: "deepslate", solid: true},
	Dirt:        {name: "dirt", solid: true},
	Grass:       {name: "grass_block", solid: true},
	Sand:        {name: "sand", solid: true},
	Gravel:      {name: "gravel", solid: true},
	Water:       {name: "water", liquid: true, ignorable: true},
	Lava:        {name: "lava", liquid: true, ignorable: true},
	Netherrack:  {name: "netherrack", solid: true},
	Basalt:      {name: "basalt", solid: true},
	EndStone:    {name: "end_stone", solid: true},
	Obsidian:    {name: "obsidian", solid: true},
	Bedrock:     {name: "bedrock", solid: true},
	Barrier:     {name: "barrier", solid: true},
	Log:         {name: "log", solid: true, ignorable: true},
	Leaves:      {name: "leaves", solid: true, ignorable: true},
	TallGrass:   {name: "tall_grass", ignorable: true},
	Snow:        {name: "snow", ignorable: true},
	Planks:      {name: "planks", solid: true},
	Cobblestone: {name: "cobblestone", solid: true},
	Glass:       {name: "glass", solid: true},
	Chest:       {name: "chest", solid: true},
	Sign:        {name: "sign"},
	Torch:       {name: "torch"},
}

var materialByName = func() map[string]Material {
	m := make(map[string]Material, materialCount)
	for i, d := range materialDefs {
		m[d.name] = Material(i)
	}
	return m
}()

func (m Material) def() materialDef {
	if m < materialCount {
		return materialDefs[m]
	}
	return materialDef{name: "unknown"}
}

func (m Material) String() string { return m.def().name }

// Solid reports whether the block occupies its cell for support purposes.
func (m Material) Solid() bool { return m.def().solid }

func (m Material) IsAir() bool  { return m.def().air }
func (m Material) Liquid() bool { return m.def().liquid }

// Ignorable marks surface decoration and fluids that terrain fitting and
// pedestal filling may treat as empty space (trees, grass, snow, water).
func (m Material) Ignorable() bool { return m.def().ignorable }

func ParseMaterial(s string) (Material, error) {
	if m, ok := materialByName[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return Air, fmt.Errorf("unknown material %q", s)
}

func (m Material) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Material) UnmarshalText(b []byte) error {
	v, err := ParseMaterial(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
