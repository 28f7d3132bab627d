package voxel

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkSize is the horizontal edge length of a chunk column in blocks.
const ChunkSize = 16

type Vec3i struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func (v Vec3i) String() string { return fmt.Sprintf("%d,%d,%d", v.X, v.Y, v.Z) }

// Chunk returns the key of the chunk column containing v.
func (v Vec3i) Chunk() ChunkKey {
	return KeyOf(FloorDiv(v.X, ChunkSize), FloorDiv(v.Z, ChunkSize))
}

// ChunkKey packs a chunk column coordinate (cx, cz) into one comparable value.
type ChunkKey int64

func KeyOf(cx, cz int) ChunkKey {
	return ChunkKey(int64(cx)<<32 | int64(uint32(int32(cz))))
}

func (k ChunkKey) X() int { return int(int32(k >> 32)) }
func (k ChunkKey) Z() int { return int(int32(uint32(k))) }

func (k ChunkKey) String() string { return strconv.Itoa(k.X()) + "," + strconv.Itoa(k.Z()) }

// ParseChunkKey is the inverse of ChunkKey.String.
func ParseChunkKey(s string) (ChunkKey, error) {
	xs, zs, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return 0, fmt.Errorf("chunk key %q: want cx,cz", s)
	}
	cx, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return 0, fmt.Errorf("chunk key %q: %w", s, err)
	}
	cz, err := strconv.Atoi(strings.TrimSpace(zs))
	if err != nil {
		return 0, fmt.Errorf("chunk key %q: %w", s, err)
	}
	return KeyOf(cx, cz), nil
}

// ChunkState is read from the world provider; never cache it across checks.
type ChunkState uint8

const (
	ChunkNotLoaded ChunkState = iota
	ChunkLoadedIncomplete
	ChunkFullyGenerated
)

func (s ChunkState) String() string {
	switch s {
	case ChunkLoadedIncomplete:
		return "LOADED_INCOMPLETE"
	case ChunkFullyGenerated:
		return "FULLY_GENERATED"
	default:
		return "NOT_LOADED"
	}
}

type WorldType uint8

const (
	WorldNormal WorldType = iota
	WorldNether
	WorldEnd
)

func (t WorldType) String() string {
	switch t {
	case WorldNether:
		return "NETHER"
	case WorldEnd:
		return "END"
	default:
		return "NORMAL"
	}
}

// ParseWorldType accepts the names used in configuration files. CUSTOM maps
// to NORMAL.
func ParseWorldType(s string) (WorldType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL", "CUSTOM", "OVERWORLD":
		return WorldNormal, nil
	case "NETHER":
		return WorldNether, nil
	case "END", "THE_END":
		return WorldEnd, nil
	}
	return WorldNormal, fmt.Errorf("unknown world type %q", s)
}

type StructureKind uint8

const (
	KindSurface StructureKind = iota
	KindSky
	KindLiquidSurface
	KindUndergroundShallow
	KindUndergroundDeep
)

var kindNames = [...]string{
	KindSurface:            "SURFACE",
	KindSky:                "SKY",
	KindLiquidSurface:      "LIQUID_SURFACE",
	KindUndergroundShallow: "UNDERGROUND_SHALLOW",
	KindUndergroundDeep:    "UNDERGROUND_DEEP",
}

func (k StructureKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "UNKNOWN"
}

func (k StructureKind) Underground() bool {
	return k == KindUndergroundShallow || k == KindUndergroundDeep
}

func ParseStructureKind(s string) (StructureKind, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == want {
			return StructureKind(i), nil
		}
	}
	return KindSurface, fmt.Errorf("unknown structure kind %q", s)
}
