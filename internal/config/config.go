package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kvstress/internal/control"
	"kvstress/internal/distr"
	"kvstress/internal/op"
	"kvstress/internal/scenario"

	"gopkg.in/yaml.v3"
)

// FileConfig は設定ファイルの構造
type FileConfig struct {
	Workload WorkloadConfig `yaml:"workload" json:"workload"`
}

// WorkloadConfig はワークロード設定
type WorkloadConfig struct {
	Preset      string  `yaml:"preset" json:"preset"`
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description"`
	Server      string  `yaml:"server" json:"server"`
	Duration    string  `yaml:"duration" json:"duration"`
	Requests    uint64  `yaml:"requests" json:"requests"`
	Workers     int     `yaml:"workers" json:"workers"`
	MaxRate     float64 `yaml:"max_rate" json:"max_rate"`
	Seed        uint64  `yaml:"seed" json:"seed"`
	Preload     *int    `yaml:"preload" json:"preload"`
	Report      string  `yaml:"report_interval" json:"report_interval"`

	Keys  KeysConfig  `yaml:"keys" json:"keys"`
	Model ModelConfig `yaml:"model" json:"model"`
	Stats StatsConfig `yaml:"stats" json:"stats"`
	Ops   []OpConfig  `yaml:"ops" json:"ops"`
}

// KeysConfig はキー生成設定
type KeysConfig struct {
	Prefix     *string     `yaml:"prefix" json:"prefix"`
	Size       RangeConfig `yaml:"size" json:"size"`
	ShardID    int         `yaml:"shard_id" json:"shard_id"`
	ShardCount int         `yaml:"shard_count" json:"shard_count"`
}

// ModelConfig は存在モデル設定
type ModelConfig struct {
	Type string `yaml:"type" json:"type"`
	Keys int    `yaml:"keys" json:"keys"`
}

// StatsConfig は統計設定
type StatsConfig struct {
	Samples int `yaml:"samples" json:"samples"`
}

// OpConfig は操作設定
type OpConfig struct {
	Kind         string      `yaml:"kind" json:"kind"`
	Weight       int         `yaml:"weight" json:"weight"`
	Role         string      `yaml:"role" json:"role"`
	Distribution string      `yaml:"distribution" json:"distribution"`
	Mu           int         `yaml:"mu" json:"mu"`
	Batch        RangeConfig `yaml:"batch" json:"batch"`
	ValueSize    RangeConfig `yaml:"value_size" json:"value_size"`
	Limit        RangeConfig `yaml:"limit" json:"limit"`
	Percentage   RangeConfig `yaml:"percentage" json:"percentage"`
	Keyspace     uint64      `yaml:"keyspace" json:"keyspace"`
	ModelFactor  int         `yaml:"model_factor" json:"model_factor"`
	RangeSize    RangeConfig `yaml:"range_size" json:"range_size"`
}

// RangeConfig は整数レンジ
// `8` のようなスカラーは {min: 8, max: 8} として扱う
type RangeConfig struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
	set bool
}

// UnmarshalYAML はスカラーとマッピングの両方を受け付ける
func (r *RangeConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var n int
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("line %d: range must be an integer or {min, max}: %w", node.Line, err)
		}
		*r = RangeConfig{Min: n, Max: n, set: true}
		return nil
	}
	var raw struct {
		Min int `yaml:"min"`
		Max int `yaml:"max"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*r = RangeConfig{Min: raw.Min, Max: raw.Max, set: true}
	return nil
}

// UnmarshalJSON はスカラーとオブジェクトの両方を受け付ける
func (r *RangeConfig) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*r = RangeConfig{Min: n, Max: n, set: true}
		return nil
	}
	var raw struct {
		Min int `json:"min"`
		Max int `json:"max"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("range must be an integer or {min, max}: %w", err)
	}
	*r = RangeConfig{Min: raw.Min, Max: raw.Max, set: true}
	return nil
}

// Range は distr.Range に変換する
func (r RangeConfig) Range() distr.Range {
	return distr.Range{Min: r.Min, Max: r.Max}
}

// IsSet は値が指定されたかどうかを返す
func (r RangeConfig) IsSet() bool {
	return r.set || r.Min != 0 || r.Max != 0
}

// LoadFile は設定ファイルを読み込む
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// ToScenarioConfig はFileConfigをscenario.Configに変換する
// preset が指定されていればそれを、なければデフォルト設定を起点にする
func (f *FileConfig) ToScenarioConfig() (scenario.Config, error) {
	wc := f.Workload

	config := scenario.DefaultConfig()
	if wc.Preset != "" {
		p, ok := scenario.GetPreset(wc.Preset)
		if !ok {
			return config, fmt.Errorf("unknown preset: %s", wc.Preset)
		}
		config = p
	}

	if wc.Name != "" {
		config.Name = wc.Name
	}
	if wc.Description != "" {
		config.Description = wc.Description
	}
	if wc.Server != "" {
		config.Server = wc.Server
	}
	if wc.Duration != "" {
		d, err := time.ParseDuration(wc.Duration)
		if err != nil {
			return config, fmt.Errorf("invalid duration: %w", err)
		}
		config.Duration = d
	}
	if wc.Requests > 0 {
		config.RequestsLimit = wc.Requests
	}
	if wc.Workers > 0 {
		config.Workers = wc.Workers
	}
	if wc.MaxRate > 0 {
		config.MaxRate = wc.MaxRate
	}
	if wc.Seed != 0 {
		config.Seed = wc.Seed
	}
	if wc.Preload != nil {
		config.Preload = *wc.Preload
	}
	if wc.Report != "" {
		d, err := time.ParseDuration(wc.Report)
		if err != nil {
			return config, fmt.Errorf("invalid report interval: %w", err)
		}
		config.ReportInterval = d
	}

	// キー設定
	if wc.Keys.Prefix != nil {
		config.Prefix = *wc.Keys.Prefix
	}
	if wc.Keys.Size.IsSet() {
		config.KeySize = wc.Keys.Size.Range()
	}
	if wc.Keys.ShardCount > 0 {
		config.ShardID = wc.Keys.ShardID
		config.ShardCount = wc.Keys.ShardCount
	}

	// モデル設定
	if wc.Model.Type != "" {
		config.Model = strings.ToLower(wc.Model.Type)
	}
	if wc.Model.Keys > 0 {
		config.FuzzyKeys = wc.Model.Keys
	}

	if wc.Stats.Samples > 0 {
		config.SampleCapacity = wc.Stats.Samples
	}

	// 操作設定
	if len(wc.Ops) > 0 {
		ops, err := parseOps(wc.Ops)
		if err != nil {
			return config, err
		}
		config.Ops = ops
	}

	return config, nil
}

// parseOps は操作設定を scenario.OpConfig に変換する
func parseOps(in []OpConfig) ([]scenario.OpConfig, error) {
	ops := make([]scenario.OpConfig, 0, len(in))

	for i, oc := range in {
		kind, err := parseOpKind(oc.Kind)
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}
		role, err := parseRole(oc.Role)
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}

		o := scenario.OpConfig{
			Kind:         kind,
			Weight:       oc.Weight,
			Role:         role,
			Distribution: oc.Distribution,
			Mu:           oc.Mu,
			Batch:        distr.Fixed(1),
			ValueSize:    distr.Range{Min: 64, Max: 256},
			Limit:        oc.Limit.Range(),
			Percentage:   distr.Range{Min: 0, Max: 100},
			Keyspace:     oc.Keyspace,
			ModelFactor:  oc.ModelFactor,
			RangeSize:    distr.Fixed(100),
		}
		if o.Weight == 0 {
			o.Weight = 1
		}
		if oc.Batch.IsSet() {
			o.Batch = oc.Batch.Range()
		}
		if oc.ValueSize.IsSet() {
			o.ValueSize = oc.ValueSize.Range()
		}
		if oc.Percentage.IsSet() {
			o.Percentage = oc.Percentage.Range()
		}
		if oc.RangeSize.IsSet() {
			o.RangeSize = oc.RangeSize.Range()
		}
		if kind == op.KindCalibratedRange && o.ModelFactor == 0 {
			o.ModelFactor = 10
		}
		ops = append(ops, o)
	}

	return ops, nil
}

// parseOpKind は文字列の操作種別をパースする
func parseOpKind(s string) (op.Kind, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "read":
		return op.KindRead, nil
	case "insert":
		return op.KindInsert, nil
	case "update":
		return op.KindUpdate, nil
	case "delete":
		return op.KindDelete, nil
	case "append":
		return op.KindAppend, nil
	case "prepend":
		return op.KindPrepend, nil
	case "percentage_range_read", "percentage_range":
		return op.KindPercentageRange, nil
	case "calibrated_range_read", "calibrated_range":
		return op.KindCalibratedRange, nil
	default:
		return "", fmt.Errorf("unknown op kind: %s", s)
	}
}

// parseRole は文字列の選択器の役割をパースする
func parseRole(s string) (control.ChooserRole, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "insert":
		return control.RoleInsert, nil
	case "delete":
		return control.RoleDelete, nil
	case "live":
		return control.RoleLive, nil
	case "random":
		return control.RoleRandom, nil
	default:
		return "", fmt.Errorf("unknown chooser role: %s", s)
	}
}

// Validate は設定を検証する
func (f *FileConfig) Validate() error {
	wc := f.Workload

	if wc.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}

	if wc.MaxRate < 0 {
		return fmt.Errorf("max_rate must be non-negative")
	}

	if wc.Preload != nil && *wc.Preload < 0 {
		return fmt.Errorf("preload must be non-negative")
	}

	if wc.Keys.ShardCount < 0 || wc.Keys.ShardID < 0 {
		return fmt.Errorf("keys.shard_id and keys.shard_count must be non-negative")
	}

	if wc.Keys.ShardCount > 0 && wc.Keys.ShardID >= wc.Keys.ShardCount {
		return fmt.Errorf("keys.shard_id must be less than keys.shard_count")
	}

	if wc.Model.Keys < 0 {
		return fmt.Errorf("model.keys must be non-negative")
	}

	if wc.Stats.Samples < 0 {
		return fmt.Errorf("stats.samples must be non-negative")
	}

	for i, oc := range wc.Ops {
		if oc.Weight < 0 {
			return fmt.Errorf("ops[%d].weight must be non-negative", i)
		}
		if oc.Mu < 0 || oc.Mu > 100 {
			return fmt.Errorf("ops[%d].mu must be between 0 and 100", i)
		}
		if oc.Distribution != "" {
			if _, err := distr.ByName(oc.Distribution); err != nil {
				return fmt.Errorf("ops[%d]: %w", i, err)
			}
		}
	}

	return nil
}
