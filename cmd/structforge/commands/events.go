package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	plog "structforge.ai/internal/persistence/log"
	"structforge.ai/internal/printer"
)

var (
	eventsType     string
	eventsTemplate string
	eventsTail     int
	eventsJSON     bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show placement lifecycle events",
	Long: `events decodes the hourly placement logs under
<data>/worlds/<world>/placements and prints them oldest first, followed by a
count per event type.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvents()
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "only events of this type (queued, placed, failed, rejected, timed_out, unsuitable)")
	eventsCmd.Flags().StringVar(&eventsTemplate, "template", "", "only events for this template")
	eventsCmd.Flags().IntVar(&eventsTail, "tail", 50, "print at most the last N events (0 for all)")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "print JSON")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents() error {
	dir := filepath.Join(worldDir(), "placements")
	evs, err := plog.ReadEvents(dir)
	if err != nil {
		return printer.Error("read placement events", err.Error())
	}
	evs = filterEvents(evs, plog.EventType(eventsType), eventsTemplate)
	counts := map[string]int{}
	for _, ev := range evs {
		counts[string(ev.Type)]++
	}
	if eventsTail > 0 && len(evs) > eventsTail {
		evs = evs[len(evs)-eventsTail:]
	}
	if eventsJSON {
		return writeJSON(evs)
	}
	if len(evs) == 0 {
		printer.Warning("no placement events under %s\n", dir)
		return nil
	}

	rows := make([][]string, 0, len(evs))
	for _, ev := range evs {
		detail := ev.Error
		switch ev.Type {
		case plog.EventPlaced:
			detail = fmt.Sprintf("%d blocks, %d failed", ev.Written, ev.Failed)
		case plog.EventTimedOut:
			detail = fmt.Sprintf("waited %s", time.Duration(ev.WaitedMs)*time.Millisecond)
		}
		rows = append(rows, []string{
			ev.Time.Local().Format(time.DateTime),
			string(ev.Type), ev.Template, fmtVec(ev.Anchor),
			strconv.Itoa(ev.Rotation * 90), detail,
		})
	}
	printer.Table(os.Stdout, []string{"TIME", "TYPE", "TEMPLATE", "ANCHOR", "ROT", "DETAIL"}, rows)

	fmt.Println()
	for _, typ := range sortedKeys(counts) {
		printer.Info("%-12s %d\n", typ, counts[typ])
	}
	return nil
}

func filterEvents(evs []plog.PlacementEvent, typ plog.EventType, tmpl string) []plog.PlacementEvent {
	if typ == "" && tmpl == "" {
		return evs
	}
	out := evs[:0:0]
	for _, ev := range evs {
		if typ != "" && ev.Type != typ {
			continue
		}
		if tmpl != "" && ev.Template != tmpl {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
