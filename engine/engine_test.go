package engine

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"batchhmi/alarm"
	"batchhmi/config"
	"batchhmi/history"
	"batchhmi/notify"
	"batchhmi/provider"
	"batchhmi/tag"
)

// liveSim is a simulator that reports itself as the live provider.
type liveSim struct{ *provider.Simulated }

func (liveSim) Mode() provider.Mode { return provider.ModeLive }

// simFactory builds simulators for both modes and remembers the last one.
type simFactory struct {
	cfg     *config.Config
	liveErr error

	mu     sync.Mutex
	builds int
	last   *provider.Simulated
}

func (f *simFactory) build(_ context.Context, mode provider.Mode) (provider.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mode == provider.ModeLive && f.liveErr != nil {
		return nil, f.liveErr
	}
	sim := provider.NewSimulated(provider.SimConfig{Min: 100, Max: 600, Step: 1, Seed: 7})
	for _, t := range f.cfg.Tags {
		kind, _ := tag.ParseKind(t.Type)
		sim.Declare(tag.Address{Name: t.Name, Kind: kind, Packed: t.Packed}, t.Length)
	}
	if f.cfg.Alarms.Count > 0 {
		sim.Declare(tag.Address{Name: f.cfg.Alarms.WordTag, Kind: tag.KindBool, Packed: true}, f.cfg.Alarms.Count)
	}
	f.builds++
	f.last = sim
	if mode == provider.ModeLive {
		return liveSim{sim}, nil
	}
	return sim, nil
}

func (f *simFactory) active() *provider.Simulated {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *simFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Namespace = "plant"
	cfg.Mode = config.ModeSimulated
	cfg.PollRate = time.Hour
	cfg.AlarmPollRate = time.Hour
	cfg.FreshnessWindow = time.Minute
	cfg.Web.Enabled = false
	cfg.Tags = []config.TagConfig{
		{Name: "ReactorTemp", Type: "float32"},
		{Name: "Setpoint", Type: "float32", Writable: true},
		{Name: "Levels", Type: "float32", Length: 4},
		{Name: "Valves", Type: "bool", Length: 40, Packed: true, Writable: true},
	}
	cfg.Alarms = config.AlarmConfig{
		WordTag: "AlarmWords",
		Count:   64,
		Definitions: []config.AlarmDefinition{
			{Index: 3, Name: "Agitator overload", Severity: "warning"},
		},
	}
	cfg.Thresholds = []config.ThresholdConfig{
		{Name: "Setpoint high", Tag: "Setpoint", Limit: 550},
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *simFactory) {
	t.Helper()
	f := &simFactory{cfg: cfg}
	e, err := New(context.Background(), Config{
		AppConfig: cfg,
		Factory:   f.build,
		Sink:      history.NewMemorySink(100),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, f
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds = append(cfg.Thresholds, config.ThresholdConfig{Name: "ghost", Tag: "Missing", Limit: 1})

	_, err := New(context.Background(), Config{AppConfig: cfg})
	var ce *tag.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *tag.ConfigError", err)
	}
	if ce.Field != "thresholds[1].tag" {
		t.Errorf("Field = %q", ce.Field)
	}
}

func TestRunOncePopulatesStore(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	e.RunOnce(context.Background())

	for _, name := range []string{"ReactorTemp", "Setpoint", "Levels[0]", "Levels[3]", "Valves[0]", "Valves[39]"} {
		rec, ok := e.GetLiveValue(name)
		if !ok {
			t.Errorf("%s missing from store", name)
			continue
		}
		if !e.Fresh(name) {
			t.Errorf("%s is stale", name)
		}
		if rec.Value.IsError() {
			t.Errorf("%s = error %v", name, rec.LastError)
		}
	}
	if _, ok := e.GetLiveValue("Levels[4]"); ok {
		t.Error("out-of-range element stored")
	}
	if n := len(e.Values()); n != 2+4+40 {
		t.Errorf("Values() has %d records, want 46", n)
	}
}

func TestAlarmTriggerAndAcknowledge(t *testing.T) {
	e, f := newTestEngine(t, testConfig())
	ctx := context.Background()

	events, cancel := e.SubscribeAlarmEvents()
	defer cancel()

	f.active().SetWord("AlarmWords", 0, 1<<3)
	e.RunOnce(ctx)

	if got := e.ActiveAlarmIndices(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("active = %v, want [3]", got)
	}
	states := e.AlarmStates(false)
	if len(states) != 1 || states[0].Name != "Agitator overload" {
		t.Errorf("states = %+v", states)
	}
	if n := len(e.AlarmStates(true)); n != 64 {
		t.Errorf("AlarmStates(all) = %d entries", n)
	}

	select {
	case ev := <-events:
		if ev.Type != notify.Triggered || ev.Index != 3 || ev.Severity != alarm.SeverityWarning.String() {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no triggered event")
	}

	hist, err := e.History(ctx, 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("History = %v, %v", hist, err)
	}

	key, err := e.AcknowledgeActive(ctx, 3)
	if err != nil {
		t.Fatalf("AcknowledgeActive: %v", err)
	}
	if key != hist[0].Key() {
		t.Errorf("key = %v, want %v", key, hist[0].Key())
	}
	if err := e.AcknowledgeAlarm(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second acknowledge err = %v, want ErrNotFound", err)
	}
	if err := e.AcknowledgeAlarm(ctx, history.Key{AlarmNumber: 3, TriggeredDate: "yesterday"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad key err = %v, want ErrInvalidInput", err)
	}
	if _, err := e.AcknowledgeActive(ctx, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("inactive acknowledge err = %v, want ErrNotFound", err)
	}

	// Falling edge
	f.active().SetWord("AlarmWords", 0, 0)
	e.RunOnce(ctx)
	if e.ActiveAlarmCount() != 0 {
		t.Errorf("active count = %d after clear", e.ActiveAlarmCount())
	}
}

func TestWriteTag(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		tag   string
		value tag.Value
		want  error
	}{
		{"writable scalar", "Setpoint", tag.Float32Value(42.5), nil},
		{"int coerced to float", "Setpoint", tag.Int32Value(40), nil},
		{"read-only tag", "ReactorTemp", tag.Float32Value(1), ErrNotWritable},
		{"packed flag", "Valves[3]", tag.BoolValue(true), tag.ErrPackedBitWrite},
		{"unknown tag", "Missing", tag.Float32Value(1), ErrNotFound},
		{"out of range element", "Valves[40]", tag.BoolValue(true), ErrNotFound},
		{"array base", "Levels", tag.Float32Value(1), ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := e.WriteTag(ctx, tc.tag, tc.value)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("WriteTag: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if !e.IsWritable("Valves[3]") || e.IsWritable("Levels[0]") {
		t.Error("IsWritable wrong for elements")
	}
	if e.KindOf("Levels[1]") != tag.KindFloat32 || e.KindOf("Missing") != 0 {
		t.Error("KindOf wrong")
	}
}

func TestThresholdFollowsWrites(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	if err := e.WriteTag(ctx, "Setpoint", tag.Float32Value(590)); err != nil {
		t.Fatal(err)
	}
	e.RunOnce(ctx)

	w := e.Watches()
	if len(w) != 1 || !w[0].Active {
		t.Fatalf("watches = %+v, want active", w)
	}

	if err := e.WriteTag(ctx, "Setpoint", tag.Float32Value(200)); err != nil {
		t.Fatal(err)
	}
	e.RunOnce(ctx)
	if e.Watches()[0].Active {
		t.Error("watch still active below the limit")
	}
}

func TestSetProviderMode(t *testing.T) {
	e, f := newTestEngine(t, testConfig())
	ctx := context.Background()

	if e.Mode() != provider.ModeSimulated {
		t.Fatalf("Mode = %v", e.Mode())
	}
	if h := e.Health(); h.Status != "simulated" || h.Online {
		t.Errorf("health = %+v", h)
	}

	f.active().SetWord("AlarmWords", 0, 1)
	e.RunOnce(ctx)
	if e.ActiveAlarmCount() != 1 {
		t.Fatalf("active = %d", e.ActiveAlarmCount())
	}

	events, cancel := e.SubscribeAlarmEvents()
	defer cancel()

	if err := e.SetProviderMode(ctx, provider.ModeLive); err != nil {
		t.Fatal(err)
	}
	if e.Mode() != provider.ModeLive {
		t.Errorf("Mode = %v after switch", e.Mode())
	}
	if e.ActiveAlarmCount() != 0 {
		t.Errorf("alarms not reset on switch")
	}
	select {
	case ev := <-events:
		if ev.Type != notify.Cleared || ev.Index != 0 {
			t.Errorf("event = %+v, want cleared 0", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no cleared event on switch")
	}

	builds := f.count()
	if err := e.SetProviderMode(ctx, provider.ModeLive); err != nil {
		t.Fatal(err)
	}
	if f.count() != builds {
		t.Error("switching to the active mode rebuilt the provider")
	}
	if h := e.Health(); h.Status != "ok" || !h.Online {
		t.Errorf("health = %+v", h)
	}

	if err := e.SetProviderMode(ctx, provider.Mode(9)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestAutoModeFallsBackToSimulator(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeAuto
	cfg.PLC.Gateway = "10.0.0.5"
	cfg.Alarms.WordAddress = "DB10.DBD0"
	for i := range cfg.Tags {
		cfg.Tags[i].Address = "DB1.DBD0"
	}

	f := &simFactory{cfg: cfg, liveErr: errors.New("connection refused")}
	e, err := New(context.Background(), Config{AppConfig: cfg, Factory: f.build, Sink: history.NewMemorySink(10)})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	if e.Mode() != provider.ModeSimulated {
		t.Errorf("Mode = %v, want simulated", e.Mode())
	}
	if h := e.Health(); h.Status != "degraded" || h.Online {
		t.Errorf("health = %+v", h)
	}
}

func TestStartRetriesAfterFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeLive
	cfg.PLC.Gateway = "10.0.0.5"
	cfg.Alarms.WordAddress = "DB10.DBD0"
	for i := range cfg.Tags {
		cfg.Tags[i].Address = "DB1.DBD0"
	}

	f := &simFactory{cfg: cfg, liveErr: errors.New("connection refused")}
	e, err := New(context.Background(), Config{AppConfig: cfg, Factory: f.build, Sink: history.NewMemorySink(10)})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Stop()
	ctx := context.Background()

	if err := e.Start(ctx); err == nil {
		t.Fatal("Start succeeded with an unreachable PLC")
	}
	if e.Mode() == provider.ModeLive {
		t.Fatal("live provider installed after failed Start")
	}

	f.mu.Lock()
	f.liveErr = nil
	f.mu.Unlock()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("retried Start: %v", err)
	}
	if e.Mode() != provider.ModeLive {
		t.Errorf("Mode = %v, want live", e.Mode())
	}

	builds := f.count()
	if err := e.Start(ctx); err != nil {
		t.Errorf("third Start: %v", err)
	}
	if f.count() != builds {
		t.Error("Start on a running engine rebuilt the provider")
	}
}

func TestNewCreatesHistorySchema(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS alarm_events"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	db.Close()

	cfg := testConfig()
	cfg.Postgres.Enabled = true
	cfg.Postgres.DSN = dsn
	f := &simFactory{cfg: cfg}
	e, err := New(ctx, Config{AppConfig: cfg, Factory: f.build})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Stop()

	ev := history.NewEvent(3, "Agitator overload", "Warning", time.Now())
	if err := e.sink.Insert(ctx, ev); err != nil {
		t.Fatalf("insert into fresh database: %v", err)
	}
	if err := e.sink.Acknowledge(ctx, ev.Key(), time.Now()); err != nil {
		t.Errorf("acknowledge: %v", err)
	}
}

func TestAlarmDefinitionsMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.csv")
	csv := "index,name,severity\n0,Low level,warning\n1,Pump trip,alarm\n"
	if err := os.WriteFile(path, []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}

	defs, err := alarmDefinitions(config.AlarmConfig{
		Count:           8,
		DefinitionsFile: path,
		Definitions: []config.AlarmDefinition{
			{Index: 1, Name: "Pump 1 trip"},
			{Index: 5, Name: "Door open", Severity: "warning"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []alarm.Definition{
		{Index: 0, Name: "Low level", Severity: alarm.SeverityWarning},
		{Index: 1, Name: "Pump 1 trip", Severity: alarm.SeverityAlarm},
		{Index: 5, Name: "Door open", Severity: alarm.SeverityWarning},
	}
	if len(defs) != len(want) {
		t.Fatalf("defs = %+v", defs)
	}
	for i := range want {
		if defs[i] != want[i] {
			t.Errorf("defs[%d] = %+v, want %+v", i, defs[i], want[i])
		}
	}

	_, err = alarmDefinitions(config.AlarmConfig{
		Count:       8,
		Definitions: []config.AlarmDefinition{{Index: 2, Name: "x", Severity: "critical"}},
	})
	var ce *tag.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want *tag.ConfigError", err)
	}
}
