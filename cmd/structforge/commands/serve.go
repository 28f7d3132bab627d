package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"structforge.ai/internal/persistence/indexdb"
	plog "structforge.ai/internal/persistence/log"
	"structforge.ai/internal/printer"
	"structforge.ai/internal/sim/mainloop"
	"structforge.ai/internal/sim/terrain"
	"structforge.ai/internal/sim/tuning"
	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/placer"
	"structforge.ai/internal/structures/reservation"
	"structforge.ai/internal/structures/template"
	"structforge.ai/internal/transport/chunkevents"
	"structforge.ai/internal/transport/observer"
)

type serveOptions struct {
	addr          string
	configDir     string
	placementPath string
	templatesDir  string
	worldType     string
	seed          int64
	redisAddr     string
	disableDB     bool
	preload       int
	workers       int
	genDelay      time.Duration
	unloadEvery   time.Duration
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Generate a world and place structures as its chunks become ready",
	Long: `serve runs one world: chunk generation workers, the world loop, the
placement pipeline and the random chunk trigger. Placed structures are
recorded in <data>/worlds/<world>/index/structures.sqlite and lifecycle
events in <data>/worlds/<world>/placements.

With --redis, chunk-ready notifications are relayed through a Redis channel
so other processes can observe and drive placements.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveOpts)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.addr, "addr", ":8080", "http listen address")
	f.StringVar(&serveOpts.configDir, "configs", "./configs", "config directory")
	f.StringVar(&serveOpts.placementPath, "placement", "", "path to placement.yaml (default: <configs>/placement.yaml)")
	f.StringVar(&serveOpts.templatesDir, "templates", "", "template directory (default: <configs>/templates)")
	f.StringVar(&serveOpts.worldType, "world-type", "normal", "world type: normal, nether or end")
	f.Int64Var(&serveOpts.seed, "seed", 1337, "world seed")
	f.StringVar(&serveOpts.redisAddr, "redis", "", "redis address for chunk-ready relay (empty to disable)")
	f.BoolVar(&serveOpts.disableDB, "disable-db", false, "do not record placed structures")
	f.IntVar(&serveOpts.preload, "preload", 4, "chunk radius generated around the origin at startup")
	f.IntVar(&serveOpts.workers, "workers", 4, "chunk generation workers")
	f.DurationVar(&serveOpts.genDelay, "gen-delay", 0, "artificial latency added to every chunk generation")
	f.DurationVar(&serveOpts.unloadEvery, "unload-every", 30*time.Second, "interval between idle chunk unloads")
	rootCmd.AddCommand(serveCmd)
}

func (o serveOptions) placementFile() string {
	if o.placementPath != "" {
		return o.placementPath
	}
	return filepath.Join(o.configDir, "placement.yaml")
}

func (o serveOptions) templateDir() string {
	if o.templatesDir != "" {
		return o.templatesDir
	}
	return filepath.Join(o.configDir, "templates")
}

func worldDir() string { return filepath.Join(dataDir, "worlds", worldName) }

func indexPath() string { return filepath.Join(worldDir(), "index", "structures.sqlite") }

func runServe(opts serveOptions) error {
	logger := log.New(os.Stdout, "[structforge] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signalContext()
	defer cancel()

	wt, err := voxel.ParseWorldType(opts.worldType)
	if err != nil {
		return printer.Error("invalid world type", err.Error(), "use one of normal, nether or end")
	}
	tune, err := loadTuning(opts.placementFile(), logger)
	if err != nil {
		return printer.Error("invalid placement config", err.Error(), "fix "+opts.placementFile()+" or remove it to run with defaults")
	}
	cat, err := template.LoadDir(opts.templateDir())
	if err != nil {
		return printer.Error("invalid template", err.Error())
	}
	templates := make([]*template.Template, 0, len(cat.ByID))
	for _, id := range cat.IDs() {
		templates = append(templates, cat.ByID[id])
	}
	if len(templates) == 0 {
		logger.Printf("warn: no templates in %s; chunk trigger disabled", opts.templateDir())
	}

	limits := tune.World(wt)
	store := terrain.New(terrain.Config{
		Seed:     opts.seed,
		Type:     wt,
		MinY:     limits.LowestY,
		MaxY:     limits.HighestY,
		Workers:  opts.workers,
		GenDelay: opts.genDelay,
	}, logger)
	defer store.Close()

	loop := mainloop.New(logger)
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("loop stopped: %v", err)
		}
	}()

	var idx *indexdb.StructureIndex
	if !opts.disableDB {
		idx, err = indexdb.OpenSQLite(indexPath())
		if err != nil {
			return printer.Error("open structure index", err.Error(), "pass --disable-db to run without recording")
		}
		defer func() {
			if err := idx.Close(); err != nil {
				logger.Printf("warn: close index: %v", err)
			}
		}()
		if err := idx.UpsertCatalogs(cat, tune); err != nil {
			logger.Printf("warn: upsert catalogs: %v", err)
		}
	}

	events := plog.NewPlacementLogger(worldDir())
	defer events.Close()

	var orch *placer.Orchestrator
	obs := observer.NewServer(func() []observer.WorldStatus {
		return []observer.WorldStatus{worldStatus(wt, store, orch, idx)}
	}, logger)

	// A nil *StructureIndex must not reach the hooks as a non-nil interface.
	var (
		rec placer.Recorder
		reg placer.SpawnRegistrar
	)
	if idx != nil {
		rec, reg = idx, idx
	}
	spawner := &handleSpawner{log: logger}
	hooks := placer.DefaultHooks(tune.DefaultPedestal, rec, chestStamper{world: store, seed: opts.seed}, spawner, reg,
		func(p placer.Placement) { obs.Announce(structureMsg(p)) })

	reservations := reservation.NewRegistry(store)
	orch = placer.New(placer.Config{
		WorldName: worldName,
		WorldType: wt,
		Tuning:    tune,
		Seed:      opts.seed,
	}, placer.Deps{
		World:        store,
		Loop:         loop,
		Reservations: reservations,
		Hooks:        hooks,
		Events:       events,
		Logger:       logger,
	})
	stopSweep := orch.Start()

	trigger := placer.NewChunkTrigger(placer.TriggerConfig{
		ChancePermille: tune.Trigger.ChancePermille,
		Seed:           tune.Trigger.Seed ^ opts.seed,
	}, orch, templates, nil, logger)

	fanout := func(key voxel.ChunkKey) {
		orch.OnChunkReady(key)
		trigger.OnChunkReady(key)
	}
	unsubscribe, closeRelay, err := wireChunkReady(ctx, opts.redisAddr, store, fanout, logger)
	if err != nil {
		stopSweep()
		orch.Close()
		return printer.Error("connect to redis", err.Error(), "check --redis or leave it empty to deliver chunk events in-process")
	}

	stopUnload := loop.Every(opts.unloadEvery, func() {
		if n := len(store.UnloadIdle()); n > 0 {
			logger.Printf("unloaded %d idle chunks", n)
		}
	})

	for cx := -opts.preload; cx <= opts.preload; cx++ {
		for cz := -opts.preload; cz <= opts.preload; cz++ {
			store.RequestGeneration(voxel.KeyOf(cx, cz))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		writeMetrics(rw, metricsSnapshot{
			world:        worldName,
			pending:      orch.Coordinator().Size(),
			inflight:     orch.Engine().Inflight(),
			generated:    store.Generated(),
			loaded:       len(store.LoadedChunkKeys()),
			pinned:       reservations.Pinned(),
			processed:    trigger.Marker().Count(),
			results:      trigger.Results(),
			observers:    obs.Observers(),
			obsDropped:   obs.Dropped(),
			loopExecuted: loop.Executed(),
			index:        indexStats(idx),
		})
	})
	mux.HandleFunc("/admin/v1/structures", adminOnly(structuresHandler(idx)))
	mux.HandleFunc("/admin/v1/structures/at", adminOnly(structureAtHandler(idx)))
	mux.HandleFunc("/admin/v1/place", adminOnly(placeHandler(orch, cat, logger)))
	mux.HandleFunc("/admin/v1/observer/status", obs.StatusHandler())
	mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("world %s (%s, seed %d): %d templates, listening on %s", worldName, wt, opts.seed, len(templates), opts.addr)
	serveErr := srv.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	cancel()
	stopUnload()
	stopSweep()
	unsubscribe()
	closeRelay()
	trigger.Wait()
	orch.Close()
	loop.Stop()
	logger.Printf("shutdown: %d chunks processed, trigger results %v", trigger.Marker().Count(), trigger.Results())

	if serveErr != nil {
		return printer.Error("http server", serveErr.Error())
	}
	return nil
}

// loadTuning reads placement.yaml. A missing file runs with defaults.
func loadTuning(path string, logger *log.Logger) (tuning.Tuning, error) {
	tune, err := tuning.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		if logger != nil {
			logger.Printf("warn: %s not found, using default placement tuning", path)
		}
		tune = tuning.Defaults()
		tune.Normalize()
		return tune, nil
	}
	return tune, err
}

// wireChunkReady connects generator notifications to fn. Without a redis
// address fn is subscribed directly. With one, notifications are published
// to the world's channel and fn is driven by the subscription, so chunk
// readiness published by other generators reaches this process too.
func wireChunkReady(ctx context.Context, redisAddr string, store *terrain.Store, fn func(voxel.ChunkKey), logger *log.Logger) (unsubscribe, closeRelay func(), err error) {
	if redisAddr == "" {
		return store.Subscribe(fn), func() {}, nil
	}
	bus, err := chunkevents.NewClient(&redis.Options{Addr: redisAddr}, worldName)
	if err != nil {
		return nil, nil, err
	}
	if err := bus.Ping(ctx); err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	sub, err := bus.Subscribe(ctx)
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		chunkevents.Forward(sub, fn, func(err error) { logger.Printf("warn: chunk event: %v", err) })
	}()

	// Subscribers must not block the generator, so publishing happens on
	// its own goroutine. A full relay delivers locally instead.
	relay := make(chan voxel.ChunkKey, 1024)
	stop := make(chan struct{})
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case key := <-relay:
				if err := bus.PublishChunkReady(ctx, key); err != nil {
					logger.Printf("warn: publish chunk ready %s: %v", key, err)
					fn(key)
				}
			}
		}
	}()
	cancelSub := store.Subscribe(func(key voxel.ChunkKey) {
		select {
		case relay <- key:
		default:
			fn(key)
		}
	})

	var once sync.Once
	closeRelay = func() {
		once.Do(func() {
			close(stop)
			_ = sub.Close()
			wg.Wait()
			_ = bus.Close()
		})
	}
	logger.Printf("chunk-ready relay on redis %s channel %s", redisAddr, chunkevents.ChunkReadyChannel(worldName))
	return cancelSub, closeRelay, nil
}

func worldStatus(wt voxel.WorldType, store *terrain.Store, orch *placer.Orchestrator, idx *indexdb.StructureIndex) observer.WorldStatus {
	ws := observer.WorldStatus{Name: worldName, Type: wt.String(), Generated: store.Generated()}
	if orch != nil {
		ws.Pending = orch.Coordinator().Size()
		ws.Inflight = orch.Engine().Inflight()
	}
	if idx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if counts, err := idx.CountByTemplate(ctx); err == nil {
			for _, n := range counts {
				ws.Structures += n
			}
		}
	}
	return ws
}

func indexStats(idx *indexdb.StructureIndex) *indexdb.Stats {
	if idx == nil {
		return nil
	}
	st := idx.Stats()
	return &st
}

type metricsSnapshot struct {
	world        string
	pending      int
	inflight     int
	generated    int64
	loaded       int
	pinned       int
	processed    int
	results      map[placer.PasteResult]int
	observers    int
	obsDropped   uint64
	loopExecuted uint64
	index        *indexdb.Stats
}

// writeMetrics renders a minimal Prometheus exposition.
func writeMetrics(rw http.ResponseWriter, m metricsSnapshot) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s{world=%q} %v\n", name, m.world, v)
	}
	gauge("structforge_pending_placements", "Placements waiting for chunks.", m.pending)
	gauge("structforge_inflight_pastes", "Pastes in progress.", m.inflight)
	gauge("structforge_generated_chunks", "Chunks generated since start.", m.generated)
	gauge("structforge_loaded_chunks", "Loaded chunk count.", m.loaded)
	gauge("structforge_reserved_chunks", "Chunks pinned by placement reservations.", m.pinned)
	gauge("structforge_processed_chunks", "Chunks that received a triggered structure.", m.processed)
	gauge("structforge_observers", "Connected observer sessions.", m.observers)
	gauge("structforge_observer_dropped", "Observer messages dropped on full sessions.", m.obsDropped)
	gauge("structforge_loop_tasks", "Tasks executed on the world loop.", m.loopExecuted)

	fmt.Fprintf(rw, "# HELP structforge_trigger_results Triggered placement outcomes.\n")
	fmt.Fprintf(rw, "# TYPE structforge_trigger_results counter\n")
	keys := make([]placer.PasteResult, 0, len(m.results))
	for k := range m.results {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fmt.Fprintf(rw, "structforge_trigger_results{world=%q,result=%q} %d\n", m.world, k, m.results[k])
	}

	if m.index == nil {
		return
	}
	fmt.Fprintf(rw, "# HELP structforge_index_queue_depth Structure index writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE structforge_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "structforge_index_queue_depth{world=%q} %d\n", m.world, m.index.QueueDepth)
	fmt.Fprintf(rw, "# HELP structforge_index_dropped_total Records dropped on a full index queue.\n")
	fmt.Fprintf(rw, "# TYPE structforge_index_dropped_total counter\n")
	fmt.Fprintf(rw, "structforge_index_dropped_total{world=%q,kind=%q} %d\n", m.world, "structure", m.index.DropStructureTotal)
	fmt.Fprintf(rw, "structforge_index_dropped_total{world=%q,kind=%q} %d\n", m.world, "spawn", m.index.DropSpawnTotal)
}

func adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func structuresHandler(idx *indexdb.StructureIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if idx == nil {
			http.Error(rw, "structure index disabled", http.StatusServiceUnavailable)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 50
		}
		recs, err := idx.Structures(r.Context(), r.URL.Query().Get("world"), limit)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(recs)
	}
}

func structureAtHandler(idx *indexdb.StructureIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if idx == nil {
			http.Error(rw, "structure index disabled", http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query()
		pos, err := parsePos(q.Get("x") + "," + q.Get("y") + "," + q.Get("z"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		world := q.Get("world")
		if world == "" {
			world = worldName
		}
		rec, ok, err := idx.StructureAt(r.Context(), world, pos.X, pos.Y, pos.Z)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(rw, r)
			return
		}
		spawns, err := idx.Spawns(r.Context(), rec.ID)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"structure": rec, "spawns": spawns})
	}
}

// placeHandler places a template near x,z on request. The response reports
// the queue outcome; the paste itself finishes asynchronously.
func placeHandler(orch *placer.Orchestrator, cat *template.Catalog, logger *log.Logger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		tmpl, ok := cat.ByID[q.Get("template")]
		if !ok {
			http.Error(rw, fmt.Sprintf("unknown template %q", q.Get("template")), http.StatusNotFound)
			return
		}
		x, errX := strconv.Atoi(q.Get("x"))
		z, errZ := strconv.Atoi(q.Get("z"))
		if errX != nil || errZ != nil {
			http.Error(rw, "x and z must be integers", http.StatusBadRequest)
			return
		}
		kind := tmpl.Kind
		if k := q.Get("kind"); k != "" {
			parsed, err := voxel.ParseStructureKind(k)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			kind = parsed
		}
		outcome, err := orch.FindAndPlace(tmpl, voxel.Vec3i{X: x, Z: z}, kind, func(c placer.Completion) {
			if c.OK {
				logger.Printf("admin place %s: %s at %s rot %d (%d blocks)", c.ID, tmpl.ID, c.Anchor, c.Rotation, c.Written)
				return
			}
			logger.Printf("warn: admin place %s: %v", c.ID, c.Err)
		})
		resp := map[string]any{"ok": err == nil, "outcome": outcome.String()}
		status := http.StatusAccepted
		if err != nil {
			resp["error"] = err.Error()
			status = http.StatusConflict
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// parsePos parses "x,y,z".
func parsePos(s string) (voxel.Vec3i, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return voxel.Vec3i{}, fmt.Errorf("position %q: want x,y,z", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return voxel.Vec3i{}, fmt.Errorf("position %q: %w", s, err)
		}
		v[i] = n
	}
	return voxel.Vec3i{X: v[0], Y: v[1], Z: v[2]}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
