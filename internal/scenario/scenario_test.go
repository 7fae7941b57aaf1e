package scenario

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"kvstress/internal/control"
	"kvstress/internal/distr"
	"kvstress/internal/events"
	"kvstress/internal/op"
	"kvstress/internal/stats"
)

// shortConfig は短時間で終わるように調整した設定を返す
func shortConfig(c Config) Config {
	c.Duration = 300 * time.Millisecond
	c.Workers = 2
	c.Seed = 7
	if c.Preload > 200 {
		c.Preload = 200
	}
	return c
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Name != "default" {
		t.Errorf("expected name 'default', got '%s'", config.Name)
	}
	if config.Server != "memory,4" {
		t.Errorf("expected server 'memory,4', got '%s'", config.Server)
	}
	if config.Model != ModelConsecutive {
		t.Errorf("expected consecutive model, got '%s'", config.Model)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestNewEngine(t *testing.T) {
	engine := New(DefaultConfig())

	if engine == nil {
		t.Fatal("expected non-nil engine")
	}
	if engine.IsRunning() {
		t.Error("expected engine to not be running initially")
	}
	if engine.Registry() == nil {
		t.Error("expected registry to be created")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no server", func(c *Config) { c.Server = "" }},
		{"negative duration", func(c *Config) { c.Duration = -time.Second }},
		{"no duration or limit", func(c *Config) { c.Duration = 0 }},
		{"unknown model", func(c *Config) { c.Model = "sparse" }},
		{"fuzzy without keys", func(c *Config) { c.Model = ModelFuzzy }},
		{"no ops", func(c *Config) { c.Ops = nil }},
		{"unknown kind", func(c *Config) { c.Ops = []OpConfig{{Kind: "scan", Weight: 1}} }},
		{"zero weight", func(c *Config) { c.Ops = []OpConfig{{Kind: op.KindInsert}} }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	c := DefaultConfig()
	c.Duration = 0
	c.RequestsLimit = 10
	if err := c.Validate(); err != nil {
		t.Errorf("requests limit without duration should be valid: %v", err)
	}
}

func TestEngineRunDefault(t *testing.T) {
	config := shortConfig(DefaultConfig())
	engine := New(config)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("failed to run scenario: %v", err)
	}

	if result.ScenarioName != "default" {
		t.Errorf("expected scenario name 'default', got '%s'", result.ScenarioName)
	}
	if result.Preloaded != 200 {
		t.Errorf("expected 200 preloaded keys, got %d", result.Preloaded)
	}
	if result.Executed == 0 {
		t.Error("expected some requests to be executed")
	}
	if len(result.Ops) != len(config.Ops) {
		t.Fatalf("expected %d op results, got %d", len(config.Ops), len(result.Ops))
	}

	var total uint64
	for _, o := range result.Ops {
		total += o.Queries + o.Skipped
		if o.Failures != 0 && o.Name != string(op.KindUpdate) {
			t.Errorf("%s: unexpected failures %d", o.Name, o.Failures)
		}
	}
	if total != result.Executed {
		t.Errorf("queries+skipped = %d, want executed %d", total, result.Executed)
	}
	if engine.IsRunning() {
		t.Error("engine should not be running after Run returns")
	}
	if engine.Registry().Len() != 0 {
		t.Errorf("registry should be empty after teardown, has %d objects", engine.Registry().Len())
	}
}

func TestEngineRunRequestsLimit(t *testing.T) {
	config := shortConfig(DefaultConfig())
	config.Duration = 0
	config.RequestsLimit = 300

	result, err := New(config).Run(context.Background())
	if err != nil {
		t.Fatalf("failed to run scenario: %v", err)
	}
	if result.Executed != 300 {
		t.Errorf("expected 300 executed requests, got %d", result.Executed)
	}
}

func TestEngineRunPresets(t *testing.T) {
	for _, name := range ListPresets() {
		t.Run(name, func(t *testing.T) {
			config, _ := GetPreset(name)
			config = shortConfig(config)
			if config.Model == ModelFuzzy {
				config.FuzzyKeys = 1000
			}

			result, err := New(config).Run(context.Background())
			if err != nil {
				t.Fatalf("failed to run preset %s: %v", name, err)
			}
			if result.Executed == 0 {
				t.Error("expected some requests to be executed")
			}
		})
	}
}

func TestEngineDoubleRun(t *testing.T) {
	config := shortConfig(DefaultConfig())
	config.Duration = 500 * time.Millisecond

	engine := New(config)
	ctx := context.Background()

	done := make(chan struct{})
	var firstResult *Result
	var firstErr error

	go func() {
		firstResult, firstErr = engine.Run(ctx)
		close(done)
	}()

	// 実行が始まるまで待つ
	deadline := time.Now().Add(time.Second)
	for !engine.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := engine.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	<-done
	if firstErr != nil {
		t.Errorf("first run failed: %v", firstErr)
	}
	if firstResult == nil {
		t.Error("expected first result to be non-nil")
	}
}

func TestEngineContextCancel(t *testing.T) {
	config := shortConfig(DefaultConfig())
	config.Duration = 10 * time.Second

	engine := New(config)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var result *Result
	var err error

	go func() {
		result, err = engine.Run(ctx)
		close(done)
	}()

	// 計測が始まるまで待ってからキャンセル
	deadline := time.Now().Add(2 * time.Second)
	for engine.ClientHandle() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()

	<-done

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected result to be non-nil")
	}
	if result.Duration >= config.Duration {
		t.Error("expected scenario to be cancelled early")
	}
}

func TestEngineInvalidServer(t *testing.T) {
	config := shortConfig(DefaultConfig())
	config.Server = "nosuch,1"

	engine := New(config)
	if _, err := engine.Run(context.Background()); err == nil {
		t.Error("expected setup error for unknown server")
	}
	if engine.Registry().Len() != 0 {
		t.Errorf("registry should be empty after failed setup, has %d objects", engine.Registry().Len())
	}
}

func TestEngineEvents(t *testing.T) {
	config := shortConfig(DefaultConfig())
	config.Preload = 0
	config.Duration = 0
	config.RequestsLimit = 50
	config.Ops = []OpConfig{{Kind: op.KindInsert, Weight: 1, ValueSize: distr.Fixed(8)}}

	bus := events.NewBusWithBuffer(64)
	defer bus.Close()
	ch := bus.Subscribe()

	engine := New(config)
	engine.SetEventBus(bus)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("failed to run scenario: %v", err)
	}

	seen := make(map[events.EventType]int)
	for len(ch) > 0 {
		seen[(<-ch).Type]++
	}
	for _, typ := range []events.EventType{
		events.EventOpAdded, events.EventClientStarted, events.EventClientStopped, events.EventOpPolled,
	} {
		if seen[typ] == 0 {
			t.Errorf("expected a %s event, saw %v", typ, seen)
		}
	}
}

func TestResultReport(t *testing.T) {
	result := &Result{
		ScenarioName: "test",
		Server:       "memory,4",
		StartTime:    time.Now(),
		EndTime:      time.Now().Add(10 * time.Second),
		Duration:     10 * time.Second,
		Workers:      8,
		Executed:     1000,
		Ops: []OpResult{
			{
				Name: "read", Weight: 3, Queries: 1000, Failures: 10,
				Worst:   20 * time.Millisecond,
				Latency: stats.Summary{Count: 100, P50: time.Millisecond, P99: 5 * time.Millisecond},
			},
		},
	}

	report := result.Report()

	if !strings.Contains(report, "test") {
		t.Error("report should contain scenario name")
	}
	if !strings.Contains(report, "1000") {
		t.Error("report should contain executed requests")
	}
	if !strings.Contains(report, "1.00%") {
		t.Error("report should contain error rate")
	}
	if !strings.Contains(report, "100.0 ops/s") {
		t.Error("report should contain throughput")
	}
	if !strings.Contains(report, "read") {
		t.Error("report should contain op rows")
	}
}

func TestPresets(t *testing.T) {
	presets := ListPresets()

	if len(presets) != 5 {
		t.Errorf("expected 5 presets, got %d", len(presets))
	}

	for _, name := range presets {
		config, ok := GetPreset(name)
		if !ok {
			t.Errorf("failed to get preset '%s'", name)
			continue
		}
		if config.Name != name {
			t.Errorf("expected preset name '%s', got '%s'", name, config.Name)
		}
		if err := config.Validate(); err != nil {
			t.Errorf("preset %s is invalid: %v", name, err)
		}
	}
}

func TestGetPresetNotFound(t *testing.T) {
	_, ok := GetPreset("nonexistent")
	if ok {
		t.Error("expected GetPreset to return false for nonexistent preset")
	}
}

func TestReadMostlyScenario(t *testing.T) {
	config := ReadMostlyScenario()

	var reads, total int
	for _, o := range config.Ops {
		total += o.Weight
		if o.Kind == op.KindRead {
			reads += o.Weight
		}
	}
	if reads*100/total < 90 {
		t.Errorf("read-mostly should be at least 90%% reads, got %d/%d", reads, total)
	}
}

func TestFuzzyScenario(t *testing.T) {
	config := FuzzyScenario()

	if config.Model != ModelFuzzy || config.FuzzyKeys == 0 {
		t.Error("fuzzy scenario should use a sized fuzzy model")
	}
	for _, o := range config.Ops {
		if (o.Kind == op.KindInsert || o.Kind == op.KindDelete) && o.Role != control.RoleRandom {
			t.Errorf("%s should use the random chooser", o.Kind)
		}
	}
}

func TestKeyspace(t *testing.T) {
	e := New(Config{Preload: 1000, ShardCount: 4})
	if got := e.keyspace(OpConfig{}); got != 4000 {
		t.Errorf("keyspace = %d, want 4000", got)
	}
	if got := e.keyspace(OpConfig{Keyspace: 7}); got != 7 {
		t.Errorf("explicit keyspace = %d, want 7", got)
	}

	f := New(Config{Model: ModelFuzzy, FuzzyKeys: 50, Preload: 1000})
	if got := f.keyspace(OpConfig{}); got != 50 {
		t.Errorf("fuzzy keyspace = %d, want 50", got)
	}
}

func TestEngineHold(t *testing.T) {
	config := shortConfig(DefaultConfig())
	config.Hold = true
	config.Duration = 0

	engine := New(config)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(ctx)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for engine.ClientHandle() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h := engine.ClientHandle()
	reg := engine.Registry()

	// 起動を待ってから止め、再開する
	for time.Now().Before(deadline) {
		if c, err := reg.Client(h); err == nil && c.IsRunning() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := reg.ClientStop(h); err != nil {
		t.Fatalf("ClientStop failed: %v", err)
	}
	select {
	case err := <-done:
		t.Fatalf("Run returned after client stop: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := reg.ClientStart(ctx, h); err != nil {
		t.Fatalf("ClientStart failed: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPreloadCountsDistinctKeys(t *testing.T) {
	config := shortConfig(DefaultConfig())
	config.Workers = 8
	config.Preload = 200
	config.Duration = 0
	config.RequestsLimit = 50
	config.Ops = []OpConfig{
		{Kind: op.KindRead, Weight: 1, Distribution: "uniform", Batch: distr.Fixed(1)},
	}

	result, err := New(config).Run(context.Background())
	if err != nil {
		t.Fatalf("failed to run scenario: %v", err)
	}
	if result.Preloaded != 200 {
		t.Errorf("expected 200 preloaded keys, got %d", result.Preloaded)
	}
	// 読み出しだけなので存在キー数はプリロード数と一致する
	if result.LiveKeys != uint64(result.Preloaded) {
		t.Errorf("live keys = %d, preloaded = %d", result.LiveKeys, result.Preloaded)
	}
}
