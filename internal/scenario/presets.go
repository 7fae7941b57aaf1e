package scenario

import (
	"time"

	"kvstress/internal/control"
	"kvstress/internal/distr"
	"kvstress/internal/op"
)

var defaultValueSize = distr.Range{Min: 64, Max: 256}

// QuickScenario はクイックテスト用シナリオを返す
// 短時間での動作確認用
func QuickScenario() Config {
	c := DefaultConfig()
	c.Name = "quick"
	c.Description = "Quick test for verification"
	c.Duration = 2 * time.Second
	c.Workers = 4
	c.Preload = 500
	return c
}

// ReadMostlyScenario は読み出し中心のシナリオを返す
// 少数のホットキーに読み出しが集中する
func ReadMostlyScenario() Config {
	c := DefaultConfig()
	c.Name = "read-mostly"
	c.Description = "95% zipf reads over preloaded keys, 5% updates"
	c.Preload = 10000
	c.Ops = []OpConfig{
		{Kind: op.KindRead, Weight: 95, Distribution: "zipf", Batch: distr.Range{Min: 1, Max: 8}},
		{Kind: op.KindUpdate, Weight: 5, Distribution: "zipf", ValueSize: defaultValueSize},
	}
	return c
}

// WriteHeavyScenario は書き込み中心のシナリオを返す
// 挿入と削除でキー集合が入れ替わり続ける
func WriteHeavyScenario() Config {
	c := DefaultConfig()
	c.Name = "write-heavy"
	c.Description = "Inserts, deletes and in-place value changes"
	c.Workers = 16
	c.Ops = []OpConfig{
		{Kind: op.KindInsert, Weight: 4, ValueSize: defaultValueSize},
		{Kind: op.KindUpdate, Weight: 3, Distribution: "normal", Mu: 50, ValueSize: defaultValueSize},
		{Kind: op.KindAppend, Weight: 1, Distribution: "uniform", ValueSize: distr.Range{Min: 8, Max: 32}},
		{Kind: op.KindPrepend, Weight: 1, Distribution: "uniform", ValueSize: distr.Range{Min: 8, Max: 32}},
		{Kind: op.KindDelete, Weight: 2},
		{Kind: op.KindRead, Weight: 1, Distribution: "uniform", Batch: distr.Fixed(1)},
	}
	return c
}

// RangeScenario は範囲読み出しのシナリオを返す
// 削除で密度にむらを作り、補正付きスキャンの長さが追従するか確認する
func RangeScenario() Config {
	c := DefaultConfig()
	c.Name = "range"
	c.Description = "Percentage and density calibrated range scans with churn"
	c.Preload = 5000
	c.Ops = []OpConfig{
		{Kind: op.KindCalibratedRange, Weight: 4, ModelFactor: 20, RangeSize: distr.Range{Min: 100, Max: 500}, Limit: distr.Fixed(0)},
		{Kind: op.KindPercentageRange, Weight: 2, Percentage: distr.Range{Min: 0, Max: 100}, Limit: distr.Range{Min: 10, Max: 100}},
		{Kind: op.KindRead, Weight: 2, Distribution: "uniform", Batch: distr.Range{Min: 1, Max: 4}},
		{Kind: op.KindInsert, Weight: 1, ValueSize: defaultValueSize},
		{Kind: op.KindDelete, Weight: 1},
	}
	return c
}

// FuzzyScenario は固定スロットの Fuzzy モデルを使うシナリオを返す
// 挿入と削除は存在状態を見ずにスロットを選ぶ
func FuzzyScenario() Config {
	c := DefaultConfig()
	c.Name = "fuzzy"
	c.Description = "Fixed slot space with state-blind inserts and deletes"
	c.Model = ModelFuzzy
	c.FuzzyKeys = 10000
	c.Preload = 5000
	c.Ops = []OpConfig{
		{Kind: op.KindInsert, Weight: 1, Role: control.RoleRandom, Distribution: "uniform", ValueSize: defaultValueSize},
		{Kind: op.KindDelete, Weight: 1, Role: control.RoleRandom, Distribution: "uniform"},
		{Kind: op.KindRead, Weight: 4, Role: control.RoleLive, Distribution: "normal", Mu: 50, Batch: distr.Range{Min: 1, Max: 4}},
		{Kind: op.KindCalibratedRange, Weight: 1, ModelFactor: 10, RangeSize: distr.Fixed(200), Limit: distr.Fixed(0)},
	}
	return c
}

// GetPreset は名前からプリセットシナリオを取得する
func GetPreset(name string) (Config, bool) {
	presets := map[string]func() Config{
		"quick":       QuickScenario,
		"read-mostly": ReadMostlyScenario,
		"write-heavy": WriteHeavyScenario,
		"range":       RangeScenario,
		"fuzzy":       FuzzyScenario,
	}

	if fn, ok := presets[name]; ok {
		return fn(), true
	}
	return Config{}, false
}

// ListPresets は利用可能なプリセット名を返す
func ListPresets() []string {
	return []string{"quick", "read-mostly", "write-heavy", "range", "fuzzy"}
}
