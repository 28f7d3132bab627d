package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"structforge.ai/internal/persistence/indexdb"
	"structforge.ai/internal/printer"
)

var (
	recordsLimit int
	recordsAt    string
	recordsJSON  bool
	recordsAll   bool
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List placed structures from the structure index",
	Long: `records reads <data>/worlds/<world>/index/structures.sqlite.

Without flags it lists the newest structures of the world. With --at x,y,z
it shows the structure covering that block and the mobs spawned for it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecords(cmd.Context())
	},
}

func init() {
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 20, "maximum structures to list")
	recordsCmd.Flags().StringVar(&recordsAt, "at", "", "show the structure covering x,y,z")
	recordsCmd.Flags().BoolVar(&recordsJSON, "json", false, "print JSON")
	recordsCmd.Flags().BoolVar(&recordsAll, "all-worlds", false, "list structures of every world in the index")
	rootCmd.AddCommand(recordsCmd)
}

func openIndex() (*indexdb.StructureIndex, error) {
	path := indexPath()
	if _, err := os.Stat(path); err != nil {
		return nil, printer.Error("structure index not found", fmt.Sprintf("no index at %s", path),
			"run `structforge serve` for this world first", "pass --data and --world to point at an existing world")
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return nil, printer.Error("open structure index", err.Error())
	}
	return idx, nil
}

func runRecords(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	idx, err := openIndex()
	if err != nil {
		return err
	}
	defer idx.Close()

	if recordsAt != "" {
		return showStructureAt(ctx, idx, recordsAt)
	}

	world := worldName
	if recordsAll {
		world = ""
	}
	recs, err := idx.Structures(ctx, world, recordsLimit)
	if err != nil {
		return printer.Error("query structures", err.Error())
	}
	if recordsJSON {
		return writeJSON(recs)
	}
	if len(recs) == 0 {
		printer.Warning("no structures recorded for %s\n", worldName)
		return nil
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.ID, r.World, r.Template, r.Kind,
			fmtVec(r.Anchor), strconv.Itoa(r.Rotation * 90),
			strconv.FormatFloat(r.Score, 'f', 1, 64),
			r.PlacedAt.Local().Format(time.DateTime),
		})
	}
	printer.Table(os.Stdout, []string{"ID", "WORLD", "TEMPLATE", "KIND", "ANCHOR", "ROT", "SCORE", "PLACED"}, rows)

	counts, err := idx.CountByTemplate(ctx)
	if err == nil {
		fmt.Println()
		for _, id := range sortedKeys(counts) {
			printer.Info("%-20s %d\n", id, counts[id])
		}
	}
	return nil
}

func showStructureAt(ctx context.Context, idx *indexdb.StructureIndex, at string) error {
	pos, err := parsePos(at)
	if err != nil {
		return printer.Error("invalid position", err.Error(), "use --at x,y,z")
	}
	rec, ok, err := idx.StructureAt(ctx, worldName, pos.X, pos.Y, pos.Z)
	if err != nil {
		return printer.Error("query structure", err.Error())
	}
	if !ok {
		printer.Warning("no structure covers %s in %s\n", pos, worldName)
		return nil
	}
	spawns, err := idx.Spawns(ctx, rec.ID)
	if err != nil {
		return printer.Error("query spawns", err.Error())
	}
	if recordsJSON {
		return writeJSON(map[string]any{"structure": rec, "spawns": spawns})
	}

	printer.Success("%s %s (%s)\n", rec.Template, rec.ID, rec.Kind)
	printer.Info("  bounds   %s .. %s\n", fmtVec(rec.Min), fmtVec(rec.Max))
	printer.Info("  anchor   %s rotation %d\n", fmtVec(rec.Anchor), rec.Rotation*90)
	printer.Info("  score    %.1f boss %t\n", rec.Score, rec.Boss)
	if len(spawns) == 0 {
		return nil
	}
	fmt.Println()
	rows := make([][]string, 0, len(spawns))
	for _, s := range spawns {
		actor := s.Actor
		if actor == "" {
			actor = "-"
		}
		rows = append(rows, []string{strconv.Itoa(s.Seq), s.MobType, s.MobID, fmtVec(s.Rel), actor, strconv.FormatBool(s.Respawn)})
	}
	printer.Table(os.Stdout, []string{"SEQ", "TYPE", "MOB", "REL", "ACTOR", "RESPAWN"}, rows)
	return nil
}

func fmtVec(v [3]int) string { return fmt.Sprintf("%d,%d,%d", v[0], v[1], v[2]) }

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
