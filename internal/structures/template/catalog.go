package template

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"structforge.ai/internal/sim/voxel"
)

type Catalog struct {
	ByID   map[string]*Template
	Digest string
}

type fileDef struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Size     [3]int            `json:"size"`
	Offset   [3]int            `json:"offset"`
	Pedestal string            `json:"pedestal"`
	Boss     bool              `json:"boss"`
	Palette  map[string]string `json:"palette"`
	Layers   [][]string        `json:"layers"` // [y][z] rows of x
	Payloads []struct {
		Pos  [3]int `json:"pos"`
		Data string `json:"data"`
	} `json:"payloads"`
	Spawns []struct {
		Pos  [3]int `json:"pos"`
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"spawns"`
}

// LoadDir reads every *.json template in dir. A missing directory yields an
// empty catalog.
func LoadDir(dir string) (*Catalog, error) {
	out := &Catalog{ByID: map[string]*Template{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			return out, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	var concat bytes.Buffer
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		concat.Write(b)
		concat.WriteByte('\n')

		t, err := Parse(b)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", filepath.Base(p), err)
		}
		if _, dup := out.ByID[t.ID]; dup {
			return nil, fmt.Errorf("template %s: duplicate id %q", filepath.Base(p), t.ID)
		}
		out.ByID[t.ID] = t
	}
	out.Digest = sha256Hex(concat.Bytes())
	return out, nil
}

// Parse decodes a single JSON template document.
func Parse(b []byte) (*Template, error) {
	var d fileDef
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	size := voxel.Vec3i{X: d.Size[0], Y: d.Size[1], Z: d.Size[2]}
	if size.X <= 0 || size.Y <= 0 || size.Z <= 0 {
		return nil, fmt.Errorf("bad size %v", d.Size)
	}
	if len(d.Layers) != size.Y {
		return nil, fmt.Errorf("layers=%d want %d", len(d.Layers), size.Y)
	}

	b2 := NewBuilder(d.ID, size).Offset(voxel.Vec3i{X: d.Offset[0], Y: d.Offset[1], Z: d.Offset[2]})
	if d.Kind != "" {
		k, err := voxel.ParseStructureKind(d.Kind)
		if err != nil {
			return nil, err
		}
		b2.Kind(k)
	}
	if d.Pedestal != "" {
		m, err := voxel.ParseMaterial(d.Pedestal)
		if err != nil {
			return nil, fmt.Errorf("pedestal: %w", err)
		}
		b2.Pedestal(m)
	}
	b2.Boss(d.Boss)

	palette := map[rune]voxel.Material{'.': voxel.Air, ' ': voxel.Barrier}
	for sym, name := range d.Palette {
		r := []rune(sym)
		if len(r) != 1 {
			return nil, fmt.Errorf("palette key %q must be one character", sym)
		}
		m, err := voxel.ParseMaterial(name)
		if err != nil {
			return nil, fmt.Errorf("palette %q: %w", sym, err)
		}
		palette[r[0]] = m
	}
	for y, rows := range d.Layers {
		if len(rows) != size.Z {
			return nil, fmt.Errorf("layer %d: rows=%d want %d", y, len(rows), size.Z)
		}
		for z, row := range rows {
			cols := []rune(row)
			if len(cols) != size.X {
				return nil, fmt.Errorf("layer %d row %d: width=%d want %d", y, z, len(cols), size.X)
			}
			for x, c := range cols {
				m, ok := palette[c]
				if !ok {
					return nil, fmt.Errorf("layer %d row %d: unknown symbol %q", y, z, c)
				}
				b2.Set(voxel.Vec3i{X: x, Y: y, Z: z}, m)
			}
		}
	}
	for _, p := range d.Payloads {
		b2.SetPayload(voxel.Vec3i{X: p.Pos[0], Y: p.Pos[1], Z: p.Pos[2]}, p.Data)
	}
	for _, s := range d.Spawns {
		mt, err := ParseMobType(s.Type)
		if err != nil {
			return nil, err
		}
		b2.AddSpawn(SpawnMarker{Pos: voxel.Vec3i{X: s.Pos[0], Y: s.Pos[1], Z: s.Pos[2]}, Type: mt, ID: s.ID})
	}
	return b2.Build(), nil
}

// ByKind returns templates of kind k sorted by id.
func (c *Catalog) ByKind(k voxel.StructureKind) []*Template {
	var out []*Template
	for _, t := range c.ByID {
		if t.Kind == k {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.ByID))
	for id := range c.ByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
