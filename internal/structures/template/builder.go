package template

import "structforge.ai/internal/sim/voxel"

// Builder assembles a Template. Cells start as Air.
type Builder struct {
	t *Template
}

func NewBuilder(id string, size voxel.Vec3i) *Builder {
	if size.X < 0 {
		size.X = 0
	}
	if size.Y < 0 {
		size.Y = 0
	}
	if size.Z < 0 {
		size.Z = 0
	}
	return &Builder{t: &Template{
		ID:      id,
		size:    size,
		cells:   make([]voxel.Material, size.X*size.Y*size.Z),
		payload: map[int]string{},
	}}
}

func (b *Builder) Kind(k voxel.StructureKind) *Builder { b.t.Kind = k; return b }

func (b *Builder) Offset(o voxel.Vec3i) *Builder { b.t.Offset = o; return b }

func (b *Builder) Pedestal(m voxel.Material) *Builder { b.t.Pedestal = m; return b }

func (b *Builder) Boss(v bool) *Builder { b.t.Boss = v; return b }

func (b *Builder) Set(p voxel.Vec3i, m voxel.Material) *Builder {
	if i := b.t.index(p.X, p.Y, p.Z); i >= 0 {
		b.t.cells[i] = m
	}
	return b
}

// Fill sets every cell in the inclusive box [from, to].
func (b *Builder) Fill(from, to voxel.Vec3i, m voxel.Material) *Builder {
	for y := from.Y; y <= to.Y; y++ {
		for z := from.Z; z <= to.Z; z++ {
			for x := from.X; x <= to.X; x++ {
				b.Set(voxel.Vec3i{X: x, Y: y, Z: z}, m)
			}
		}
	}
	return b
}

func (b *Builder) SetPayload(p voxel.Vec3i, data string) *Builder {
	if i := b.t.index(p.X, p.Y, p.Z); i >= 0 {
		if data == "" {
			delete(b.t.payload, i)
		} else {
			b.t.payload[i] = data
		}
	}
	return b
}

func (b *Builder) AddSpawn(sp SpawnMarker) *Builder {
	b.t.spawns = append(b.t.spawns, sp)
	return b
}

// Build freezes the template and indexes chest cells. The builder must not
// be reused.
func (b *Builder) Build() *Template {
	t := b.t
	b.t = nil
	t.chests = t.chests[:0]
	t.ForEach(func(p voxel.Vec3i, m voxel.Material) {
		if m == voxel.Chest {
			t.chests = append(t.chests, p)
		}
	})
	return t
}
