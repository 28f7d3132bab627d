package terrainfit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/template"
)

type samplerFunc func(p voxel.Vec3i) voxel.Material

func (f samplerFunc) BlockAt(p voxel.Vec3i) voxel.Material { return f(p) }

func flatGround(top int) Sampler {
	return samplerFunc(func(p voxel.Vec3i) voxel.Material {
		if p.Y <= top {
			return voxel.Stone
		}
		return voxel.Air
	})
}

func platform() *template.Template {
	return template.NewBuilder("platform", voxel.Vec3i{X: 5, Y: 5, Z: 5}).
		Fill(voxel.Vec3i{}, voxel.Vec3i{X: 4, Y: 0, Z: 4}, voxel.Planks).
		Build()
}

func TestSurfaceFlatGroundScoresFull(t *testing.T) {
	got := Score(platform(), flatGround(63), voxel.Vec3i{X: 0, Y: 64, Z: 0}, ModeSurface, 3)
	assert.Equal(t, 100.0, got)
}

func TestSurfacePenalisesFloatingAndBuried(t *testing.T) {
	tp := platform()
	s := flatGround(63)
	fit := Score(tp, s, voxel.Vec3i{Y: 64}, ModeSurface, 3)
	floating := Score(tp, s, voxel.Vec3i{Y: 70}, ModeSurface, 3)
	buried := Score(tp, s, voxel.Vec3i{Y: 60}, ModeSurface, 3)

	assert.Less(t, floating, 50.0)
	assert.Less(t, buried, fit)
	assert.Greater(t, buried, floating)
}

func TestLiquidNeedsWaterFloor(t *testing.T) {
	sea := samplerFunc(func(p voxel.Vec3i) voxel.Material {
		switch {
		case p.Y <= 50:
			return voxel.Sand
		case p.Y <= 62:
			return voxel.Water
		}
		return voxel.Air
	})
	tp := platform()
	assert.Equal(t, 100.0, Score(tp, sea, voxel.Vec3i{Y: 63}, ModeLiquid, 3))
	assert.Less(t, Score(tp, flatGround(62), voxel.Vec3i{Y: 63}, ModeLiquid, 3), 100.0)
}

func TestAirModeOnlyWantsOpenSpace(t *testing.T) {
	tp := platform()
	assert.Equal(t, 100.0, Score(tp, flatGround(63), voxel.Vec3i{Y: 200}, ModeAir, 3))
	assert.Equal(t, 0.0, Score(tp, flatGround(400), voxel.Vec3i{Y: 200}, ModeAir, 3))
}

func solidCube() *template.Template {
	return template.NewBuilder("cube", voxel.Vec3i{X: 5, Y: 5, Z: 5}).
		Fill(voxel.Vec3i{}, voxel.Vec3i{X: 4, Y: 4, Z: 4}, voxel.Planks).
		Build()
}

func TestSolidTemplateScoresInOpenSpace(t *testing.T) {
	cube := solidCube()
	assert.Equal(t, 100.0, Score(cube, flatGround(63), voxel.Vec3i{Y: 200}, ModeAir, 3))
	assert.Equal(t, 0.0, Score(cube, flatGround(400), voxel.Vec3i{Y: 200}, ModeAir, 3))

	fit := Score(cube, flatGround(63), voxel.Vec3i{Y: 64}, ModeSurface, 3)
	buried := Score(cube, flatGround(63), voxel.Vec3i{Y: 61}, ModeSurface, 3)
	assert.Equal(t, 100.0, fit)
	assert.Less(t, buried, fit)
}

func TestUndergroundRewardsEnvelopment(t *testing.T) {
	tp := platform()
	assert.Equal(t, 100.0, Score(tp, flatGround(63), voxel.Vec3i{Y: 10}, ModeUnderground, 3))
	assert.Equal(t, 0.0, Score(tp, flatGround(63), voxel.Vec3i{Y: 100}, ModeUnderground, 3))
	half := Score(tp, flatGround(63), voxel.Vec3i{Y: 61}, ModeUnderground, 3)
	assert.Greater(t, half, 0.0)
	assert.Less(t, half, 100.0)
}

func TestScoreDeterministicAndBounded(t *testing.T) {
	noisy := samplerFunc(func(p voxel.Vec3i) voxel.Material {
		switch voxel.Hash3(99, p.X, p.Y, p.Z) % 4 {
		case 0:
			return voxel.Stone
		case 1:
			return voxel.Water
		case 2:
			return voxel.Leaves
		}
		return voxel.Air
	})
	tp := platform()
	for _, mode := range []Mode{ModeSurface, ModeLiquid, ModeAir, ModeUnderground} {
		for i := 0; i < 20; i++ {
			anchor := voxel.Vec3i{X: i * 7, Y: 40 + i, Z: -i * 3}
			a := Score(tp, noisy, anchor, mode, 3)
			b := Score(tp, noisy, anchor, mode, 3)
			assert.Equal(t, a, b, "mode=%s", mode)
			assert.GreaterOrEqual(t, a, 0.0)
			assert.LessOrEqual(t, a, 100.0)
		}
	}
}

func TestEmptyTemplateScoresZero(t *testing.T) {
	empty := template.NewBuilder("empty", voxel.Vec3i{}).Build()
	assert.Equal(t, 0.0, Score(empty, flatGround(63), voxel.Vec3i{}, ModeSurface, 3))
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeAir, ModeFor(voxel.KindSky))
	assert.Equal(t, ModeLiquid, ModeFor(voxel.KindLiquidSurface))
	assert.Equal(t, ModeUnderground, ModeFor(voxel.KindUndergroundDeep))
	assert.Equal(t, ModeSurface, ModeFor(voxel.KindSurface))
}
