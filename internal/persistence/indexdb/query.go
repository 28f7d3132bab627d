package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const structureCols = `id,world,template,kind,rotation,x,y,z,min_x,min_y,min_z,max_x,max_y,max_z,score,boss,placed_at`

func scanStructure(row interface{ Scan(...any) error }) (StructureRecord, error) {
	var (
		r      StructureRecord
		boss   int
		placed string
	)
	err := row.Scan(&r.ID, &r.World, &r.Template, &r.Kind, &r.Rotation,
		&r.Anchor[0], &r.Anchor[1], &r.Anchor[2],
		&r.Min[0], &r.Min[1], &r.Min[2],
		&r.Max[0], &r.Max[1], &r.Max[2],
		&r.Score, &boss, &placed)
	if err != nil {
		return r, err
	}
	r.Boss = boss != 0
	r.PlacedAt, _ = time.Parse(time.RFC3339Nano, placed)
	return r, nil
}

// Structures lists the newest records first. An empty world matches all.
func (s *StructureIndex) Structures(ctx context.Context, world string, limit int) ([]StructureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+structureCols+` FROM structures WHERE (?='' OR world=?) ORDER BY placed_at DESC, id LIMIT ?`,
		world, world, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StructureRecord
	for rows.Next() {
		r, err := scanStructure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StructureAt returns the structure whose bounding box contains (x, y, z).
func (s *StructureIndex) StructureAt(ctx context.Context, world string, x, y, z int) (StructureRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+structureCols+` FROM structures
		 WHERE world=? AND min_x<=? AND max_x>=? AND min_y<=? AND max_y>=? AND min_z<=? AND max_z>=?
		 ORDER BY placed_at DESC LIMIT 1`,
		world, x, x, y, y, z, z)
	r, err := scanStructure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StructureRecord{}, false, nil
	}
	if err != nil {
		return StructureRecord{}, false, err
	}
	return r, true, nil
}

func (s *StructureIndex) Spawns(ctx context.Context, structureID string) ([]SpawnRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT structure_id,seq,actor,mob_type,mob_id,rx,ry,rz,respawn FROM spawns WHERE structure_id=? ORDER BY seq`,
		structureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SpawnRecord
	for rows.Next() {
		var sp SpawnRecord
		var respawn int
		if err := rows.Scan(&sp.StructureID, &sp.Seq, &sp.Actor, &sp.MobType, &sp.MobID,
			&sp.Rel[0], &sp.Rel[1], &sp.Rel[2], &respawn); err != nil {
			return nil, err
		}
		sp.Respawn = respawn != 0
		out = append(out, sp)
	}
	return out, rows.Err()
}

// CountByTemplate returns how many structures of each template exist.
func (s *StructureIndex) CountByTemplate(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT template, COUNT(*) FROM structures GROUP BY template`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}
