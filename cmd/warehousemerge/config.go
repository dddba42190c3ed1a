// Package warehousemerge wires up the two-warehouse merge: config
// loading, CLI flags, and the runnable entry point consumed by main.go.
package warehousemerge

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/openmrs-community/fhir-warehouse-etl/component/merger"
)

// ConfigError marks a problem found while loading the run's configuration:
// bad or missing flags, or a config file or environment that cannot be
// loaded. Never retried; maps to exit code 1. An input warehouse that
// cannot be read is reported by Run as an ordinary run error (exit code 2).
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("warehousemerge: configuration error: %v", e.Err)
}
func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the fully resolved configuration for one warehousemerge run.
type Config struct {
	Dwh1      string `koanf:"dwh1"`
	Dwh2      string `koanf:"dwh2"`
	MergedDwh string `koanf:"mergeddwh"`

	RowGroupSizeForParquetFiles int64 `koanf:"rowgroupsizeforparquetfiles"`
	NumShards                   int   `koanf:"numshards"`

	MergeParquetViews bool   `koanf:"mergeparquetviews"`
	ViewDefinitionsDir string `koanf:"viewdefinitionsdir"`
}

// DefaultConfig returns the defaults applied before config/warehousemerge.yml
// and the environment are loaded: a single shard, 128 MiB row groups.
func DefaultConfig() Config {
	return Config{
		RowGroupSizeForParquetFiles: 128 << 20,
		NumShards:                   1,
	}
}

// LoadConfig layers defaults, config/warehousemerge.yml (if present),
// WHMERGE_-prefixed environment variables, and args (flags win last).
func LoadConfig(args []string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, &ConfigError{Err: err}
	}

	if _, err := os.Stat("config/warehousemerge.yml"); err == nil {
		if err := k.Load(file.Provider("config/warehousemerge.yml"), yaml.Parser()); err != nil {
			return Config{}, &ConfigError{Err: fmt.Errorf("failed to load config/warehousemerge.yml: %w", err)}
		}
	}

	if err := k.Load(env.Provider("WHMERGE_", ".", envKeyToPath("WHMERGE_")), nil); err != nil {
		return Config{}, &ConfigError{Err: err}
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return Config{}, &ConfigError{Err: fmt.Errorf("failed to unmarshal config: %w", err)}
	}

	if err := applyFlags(&config, args); err != nil {
		return Config{}, &ConfigError{Err: err}
	}

	if config.Dwh1 == "" || config.Dwh2 == "" {
		return Config{}, &ConfigError{Err: fmt.Errorf("--dwh1 and --dwh2 are required")}
	}
	if config.MergedDwh == "" {
		return Config{}, &ConfigError{Err: fmt.Errorf("--mergedDwh is required")}
	}
	if config.MergeParquetViews && config.ViewDefinitionsDir == "" {
		return Config{}, &ConfigError{Err: fmt.Errorf("--viewDefinitionsDir is required when --mergeParquetViews is set")}
	}

	return config, nil
}

func envKeyToPath(prefix string) func(string) string {
	return func(s string) string {
		key := strings.TrimPrefix(s, prefix)
		parts := strings.Split(key, "_")
		for i, part := range parts {
			parts[i] = strings.ToLower(part)
		}
		return strings.Join(parts, ".")
	}
}

func applyFlags(config *Config, args []string) error {
	fs := flag.NewFlagSet("warehousemerge", flag.ContinueOnError)

	dwh1 := fs.String("dwh1", config.Dwh1, "first input warehouse root")
	dwh2 := fs.String("dwh2", config.Dwh2, "second input warehouse root (wins ties on equal lastUpdated)")
	mergedDwh := fs.String("mergedDwh", config.MergedDwh, "output warehouse root")
	rowGroupSize := fs.Int64("rowGroupSizeForParquetFiles", config.RowGroupSizeForParquetFiles, "row-group rotation threshold in bytes for merged output")
	numShards := fs.Int("numShards", config.NumShards, "accepted for CLI-surface compatibility, unused: merged output is written as one shard per resource type")
	mergeParquetViews := fs.Bool("mergeParquetViews", config.MergeParquetViews, "also materialize and merge every view definition under viewDefinitionsDir")
	viewDefinitionsDir := fs.String("viewDefinitionsDir", config.ViewDefinitionsDir, "directory of SQL-on-FHIR ViewDefinition JSON files")

	if err := fs.Parse(args); err != nil {
		return err
	}

	config.Dwh1 = *dwh1
	config.Dwh2 = *dwh2
	config.MergedDwh = *mergedDwh
	config.RowGroupSizeForParquetFiles = *rowGroupSize
	config.NumShards = *numShards
	config.MergeParquetViews = *mergeParquetViews
	config.ViewDefinitionsDir = *viewDefinitionsDir
	return nil
}

func (c Config) mergerConfig() merger.Config {
	return merger.Config{
		RowGroupSizeBytes:  c.RowGroupSizeForParquetFiles,
		MergeViews:         c.MergeParquetViews,
		ViewDefinitionsDir: c.ViewDefinitionsDir,
	}
}
