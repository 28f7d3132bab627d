package tuning

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"structforge.ai/internal/sim/voxel"
)

type Tuning struct {
	// ScanStep is the sampling stride of the terrain scorer, in blocks.
	ScanStep int `yaml:"scan_step" json:"scan_step"`
	// AcceptScore stops the neighbourhood search early once exceeded.
	AcceptScore float64 `yaml:"accept_score" json:"accept_score"`
	// SearchRadius is the neighbourhood radius in chunks (1 => 3x3).
	SearchRadius int `yaml:"search_radius" json:"search_radius"`
	// ChunkMargin pads the footprint chunk set on every side.
	ChunkMargin               int  `yaml:"chunk_margin" json:"chunk_margin"`
	ValidateChunksBeforePaste bool `yaml:"validate_chunks_before_paste" json:"validate_chunks_before_paste"`

	Queue       Queue                  `yaml:"queue" json:"queue"`
	Underground Underground            `yaml:"underground" json:"underground"`
	Worlds      map[string]WorldLimits `yaml:"worlds" json:"worlds"`
	Trigger     Trigger                `yaml:"trigger" json:"trigger"`
}

type Queue struct {
	MaxPending      int `yaml:"max_pending" json:"max_pending"`
	TimeoutSeconds  int `yaml:"timeout_seconds" json:"timeout_seconds"`
	SweepIntervalMs int `yaml:"sweep_interval_ms" json:"sweep_interval_ms"`
	LateCheckMs     int `yaml:"late_check_ms" json:"late_check_ms"`
}

type Underground struct {
	MinSpan   int `yaml:"min_span" json:"min_span"`
	Tolerance int `yaml:"tolerance" json:"tolerance"`
	WideSpan  int `yaml:"wide_span" json:"wide_span"`
}

// WorldLimits holds the per-world-type placement bounds.
type WorldLimits struct {
	LowestY         int     `yaml:"lowest_y" json:"lowest_y"`
	HighestY        int     `yaml:"highest_y" json:"highest_y"`
	MinScore        float64 `yaml:"min_score" json:"min_score"`
	AirMinAltitude  int     `yaml:"air_min_altitude" json:"air_min_altitude"`
	AirMaxAltitude  int     `yaml:"air_max_altitude" json:"air_max_altitude"`
	ShallowMinY     int     `yaml:"shallow_min_y" json:"shallow_min_y"`
	ShallowMaxY     int     `yaml:"shallow_max_y" json:"shallow_max_y"`
	DeepMinY        int     `yaml:"deep_min_y" json:"deep_min_y"`
	DeepMaxY        int     `yaml:"deep_max_y" json:"deep_max_y"`
	MaxOffset       int     `yaml:"max_offset" json:"max_offset"`
	DefaultPedestal string  `yaml:"default_pedestal" json:"default_pedestal"`
}

type Trigger struct {
	// ChancePermille is the probability a freshly generated chunk attempts a placement.
	ChancePermille int   `yaml:"chance_permille" json:"chance_permille"`
	Seed           int64 `yaml:"seed" json:"seed"`
}

func Defaults() Tuning {
	return Tuning{
		ScanStep:                  3,
		AcceptScore:               90,
		SearchRadius:              1,
		ChunkMargin:               1,
		ValidateChunksBeforePaste: true,
		Queue: Queue{
			MaxPending:      100,
			TimeoutSeconds:  60,
			SweepIntervalMs: 5000,
			LateCheckMs:     250,
		},
		Underground: Underground{MinSpan: 20, Tolerance: 3, WideSpan: 30},
		Worlds: map[string]WorldLimits{
			"normal": {
				LowestY: -64, HighestY: 320, MinScore: 70,
				AirMinAltitude: 80, AirMaxAltitude: 120,
				ShallowMinY: 0, ShallowMaxY: 50, DeepMinY: -55, DeepMaxY: 0,
				MaxOffset: 5, DefaultPedestal: "stone",
			},
			"nether": {
				LowestY: 4, HighestY: 120, MinScore: 50,
				AirMinAltitude: 60, AirMaxAltitude: 100,
				ShallowMinY: 35, ShallowMaxY: 80, DeepMinY: 5, DeepMaxY: 40,
				MaxOffset: 5, DefaultPedestal: "netherrack",
			},
			"end": {
				LowestY: 0, HighestY: 255, MinScore: 70,
				AirMinAltitude: 70, AirMaxAltitude: 120,
				ShallowMinY: 30, ShallowMaxY: 60, DeepMinY: 0, DeepMaxY: 30,
				MaxOffset: 5, DefaultPedestal: "end_stone",
			},
		},
		Trigger: Trigger{ChancePermille: 200, Seed: 1337},
	}
}

// Load reads a placement.yaml. Fields absent from the file keep their
// defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := validateDocument(raw); err != nil {
		return t, fmt.Errorf("placement.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("placement.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("placement.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values and lower-cases world keys. Missing world
// entries inherit the defaults for their type.
func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	def := Defaults()
	if t.ScanStep <= 0 {
		t.ScanStep = def.ScanStep
	}
	if t.AcceptScore <= 0 {
		t.AcceptScore = def.AcceptScore
	}
	if t.SearchRadius < 0 {
		t.SearchRadius = 0
	}
	if t.ChunkMargin < 0 {
		t.ChunkMargin = 0
	}
	if t.Queue.SweepIntervalMs <= 0 {
		t.Queue.SweepIntervalMs = def.Queue.SweepIntervalMs
	}
	if t.Queue.LateCheckMs <= 0 {
		t.Queue.LateCheckMs = def.Queue.LateCheckMs
	}
	if t.Underground.MinSpan <= 0 {
		t.Underground = def.Underground
	}
	worlds := make(map[string]WorldLimits, len(def.Worlds))
	for k, v := range def.Worlds {
		worlds[k] = v
	}
	aliases := map[string]WorldLimits{}
	for k, v := range t.Worlds {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "custom" || key == "overworld" {
			aliases["normal"] = v
			continue
		}
		worlds[key] = fillWorld(v, def.Worlds[key])
	}
	for k, v := range aliases {
		worlds[k] = fillWorld(v, def.Worlds[k])
	}
	t.Worlds = worlds
}

// fillWorld copies defaults into fields a partial YAML entry left at zero.
func fillWorld(v, def WorldLimits) WorldLimits {
	if v.LowestY == 0 && v.HighestY == 0 {
		v.LowestY, v.HighestY = def.LowestY, def.HighestY
	}
	if v.MinScore == 0 {
		v.MinScore = def.MinScore
	}
	if v.AirMinAltitude == 0 && v.AirMaxAltitude == 0 {
		v.AirMinAltitude, v.AirMaxAltitude = def.AirMinAltitude, def.AirMaxAltitude
	}
	if v.ShallowMinY == 0 && v.ShallowMaxY == 0 {
		v.ShallowMinY, v.ShallowMaxY = def.ShallowMinY, def.ShallowMaxY
	}
	if v.DeepMinY == 0 && v.DeepMaxY == 0 {
		v.DeepMinY, v.DeepMaxY = def.DeepMinY, def.DeepMaxY
	}
	if v.MaxOffset == 0 {
		v.MaxOffset = def.MaxOffset
	}
	if v.DefaultPedestal == "" {
		v.DefaultPedestal = def.DefaultPedestal
	}
	return v
}

func (t Tuning) Validate() error {
	if t.Queue.MaxPending < 0 {
		return fmt.Errorf("queue.max_pending must be >= 0")
	}
	if t.Queue.TimeoutSeconds <= 0 {
		return fmt.Errorf("queue.timeout_seconds must be > 0")
	}
	if t.AcceptScore > 100 {
		return fmt.Errorf("accept_score must be <= 100")
	}
	for name, w := range t.Worlds {
		if _, err := voxel.ParseWorldType(name); err != nil {
			return fmt.Errorf("worlds: %w", err)
		}
		if w.HighestY <= w.LowestY {
			return fmt.Errorf("worlds.%s: highest_y must exceed lowest_y", name)
		}
		if w.MinScore < 0 || w.MinScore > 100 {
			return fmt.Errorf("worlds.%s: min_score out of range", name)
		}
		if w.DefaultPedestal != "" {
			if _, err := voxel.ParseMaterial(w.DefaultPedestal); err != nil {
				return fmt.Errorf("worlds.%s: %w", name, err)
			}
		}
	}
	return nil
}

// World returns the limits for a world type.
func (t Tuning) World(wt voxel.WorldType) WorldLimits {
	key := strings.ToLower(wt.String())
	if w, ok := t.Worlds[key]; ok {
		return w
	}
	return Defaults().Worlds[key]
}

// DefaultPedestal is the fallback pedestal material for a world type.
func (t Tuning) DefaultPedestal(wt voxel.WorldType) voxel.Material {
	if m, err := voxel.ParseMaterial(t.World(wt).DefaultPedestal); err == nil && m != voxel.Air {
		return m
	}
	switch wt {
	case voxel.WorldNether:
		return voxel.Netherrack
	case voxel.WorldEnd:
		return voxel.EndStone
	default:
		return voxel.Stone
	}
}

func (q Queue) Timeout() time.Duration {
	return time.Duration(q.TimeoutSeconds) * time.Second
}

func (q Queue) SweepInterval() time.Duration {
	return time.Duration(q.SweepIntervalMs) * time.Millisecond
}

func (q Queue) LateCheckDelay() time.Duration {
	return time.Duration(q.LateCheckMs) * time.Millisecond
}

// Digest returns canonical JSON of the effective values, recorded alongside
// placement records.
func (t Tuning) Digest() []byte {
	b, _ := json.Marshal(t)
	return b
}
