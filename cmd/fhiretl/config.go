// Package fhiretl wires up the batch FHIR-to-Parquet extraction run:
// config loading, CLI flags, and the runnable entry point consumed by
// main.go, kept separate from main() so the whole program is testable
// without os.Exit.
package fhiretl

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/openmrs-community/fhir-warehouse-etl/component/fhirclient"
	"github.com/openmrs-community/fhir-warehouse-etl/component/idpartition"
	"github.com/openmrs-community/fhir-warehouse-etl/component/parquetsink"
	"github.com/openmrs-community/fhir-warehouse-etl/component/schemaregistry"
	"github.com/openmrs-community/fhir-warehouse-etl/lib/httpauth"
)

// ConfigError marks a problem found while loading the run's configuration:
// bad or missing flags, or a config file or environment that cannot be
// loaded. It is never retried and maps to exit code 1 (spec.md §7). Only
// LoadConfig returns it: a mapping file or profile directory that cannot
// be read is reported by Run as an ordinary run error (exit code 2).
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("fhiretl: configuration error: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the fully resolved configuration for one fhiretl run, built
// from defaults, config/fhiretl.yml, FHIRETL_-prefixed environment
// variables, and finally CLI flags (later sources win), matching
// cmd/config.go's layering.
type Config struct {
	Source         string `koanf:"source"`
	SourceUser     string `koanf:"sourceuser"`
	SourcePassword string `koanf:"sourcepassword"`

	SinkFhirPath string `koanf:"sinkfhirpath"`
	SinkUser     string `koanf:"sinkuser"`
	SinkPassword string `koanf:"sinkpassword"`

	OutputParquetPath string `koanf:"outputparquetpath"`
	Resources         string `koanf:"resources"`
	BatchSize         int    `koanf:"batchsize"`
	FetchSize         int    `koanf:"fetchsize"`
	WorkerCount       int    `koanf:"workercount"`

	JdbcMode         bool   `koanf:"jdbcmode"`
	JdbcUrl          string `koanf:"jdbcurl"`
	JdbcDriverClass  string `koanf:"jdbcdriverclass"`
	DbUser           string `koanf:"dbuser"`
	DbPassword       string `koanf:"dbpassword"`
	TableFhirMapPath string `koanf:"tablefhirmappath"`

	FHIRVersion              string `koanf:"fhirversion"`
	StructureDefinitionsPath string `koanf:"structuredefinitionspath"`
	RecursiveDepth           int    `koanf:"recursivedepth"`

	RowGroupSizeBytes int64         `koanf:"rowgroupsizebytes"`
	ShutdownDeadline  time.Duration `koanf:"shutdowndeadline"`
}

// DefaultConfig returns the defaults applied before config/fhiretl.yml and
// the environment are loaded.
func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		FetchSize:         100,
		WorkerCount:       4,
		FHIRVersion:       "R4",
		RecursiveDepth:    1,
		RowGroupSizeBytes: 128 << 20,
		ShutdownDeadline:  30 * time.Second,
	}
}

// ResourceTypes splits the comma-separated --resources flag.
func (c Config) ResourceTypes() []string {
	var types []string
	for _, t := range strings.Split(c.Resources, ",") {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			types = append(types, trimmed)
		}
	}
	return types
}

// LoadConfig layers defaults, config/fhiretl.yml (if present),
// FHIRETL_-prefixed environment variables, and args (flags win last),
// the same layering cmd/config.go used for the teacher's single service
// config.
func LoadConfig(args []string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, &ConfigError{Err: err}
	}

	if _, err := os.Stat("config/fhiretl.yml"); err == nil {
		if err := k.Load(file.Provider("config/fhiretl.yml"), yaml.Parser()); err != nil {
			return Config{}, &ConfigError{Err: fmt.Errorf("failed to load config/fhiretl.yml: %w", err)}
		}
	}

	if err := k.Load(env.Provider("FHIRETL_", ".", envKeyToPath("FHIRETL_")), nil); err != nil {
		return Config{}, &ConfigError{Err: err}
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return Config{}, &ConfigError{Err: fmt.Errorf("failed to unmarshal config: %w", err)}
	}

	if err := applyFlags(&config, args); err != nil {
		return Config{}, &ConfigError{Err: err}
	}

	if config.OutputParquetPath == "" {
		return Config{}, &ConfigError{Err: fmt.Errorf("--outputParquetPath is required")}
	}
	if config.Resources == "" {
		return Config{}, &ConfigError{Err: fmt.Errorf("--resources is required")}
	}
	if config.JdbcMode && config.TableFhirMapPath == "" {
		return Config{}, &ConfigError{Err: fmt.Errorf("--tableFhirMapPath is required when --jdbcMode is set")}
	}
	if !config.JdbcMode && config.Source == "" {
		return Config{}, &ConfigError{Err: fmt.Errorf("--source is required unless --jdbcMode is set")}
	}

	return config, nil
}

// envKeyToPath converts FHIRETL_OUTPUTPARQUETPATH to outputparquetpath,
// the same underscore-to-dot flattening cmd/config.go's LoadConfig uses.
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

// applyFlags parses args with the standard flag package and overlays any
// explicitly set flag onto config, so flags win over file/env per spec.md
// §6's CLI surface.
func applyFlags(config *Config, args []string) error {
	fs := flag.NewFlagSet("fhiretl", flag.ContinueOnError)

	source := fs.String("source", config.Source, "source FHIR server base URL")
	sourceUser := fs.String("sourceUser", config.SourceUser, "source basic auth username")
	sourcePassword := fs.String("sourcePassword", config.SourcePassword, "source basic auth password")
	sinkFhirPath := fs.String("sinkFhirPath", config.SinkFhirPath, "optional sink FHIR server to mirror writes to")
	sinkUser := fs.String("sinkUser", config.SinkUser, "sink basic auth username")
	sinkPassword := fs.String("sinkPassword", config.SinkPassword, "sink basic auth password")
	outputParquetPath := fs.String("outputParquetPath", config.OutputParquetPath, "warehouse root to write Parquet files under")
	resources := fs.String("resources", config.Resources, "comma-separated resource types to extract")
	batchSize := fs.Int("batchSize", config.BatchSize, "page size (search mode) or ID range width (JDBC mode)")
	fetchSize := fs.Int("fetchSize", config.FetchSize, "ID batch size within a JDBC range")
	workerCount := fs.Int("workerCount", config.WorkerCount, "number of concurrent segment workers")
	jdbcMode := fs.Bool("jdbcMode", config.JdbcMode, "discover work via direct JDBC table access instead of the FHIR search API")
	jdbcUrl := fs.String("jdbcUrl", config.JdbcUrl, "JDBC-mode Postgres DSN")
	jdbcDriverClass := fs.String("jdbcDriverClass", config.JdbcDriverClass, "JDBC driver class (accepted for CLI-surface compatibility, unused: the pgx stdlib driver is always used)")
	dbUser := fs.String("dbUser", config.DbUser, "JDBC-mode database username")
	dbPassword := fs.String("dbPassword", config.DbPassword, "JDBC-mode database password")
	tableFhirMapPath := fs.String("tableFhirMapPath", config.TableFhirMapPath, "JSON table-to-resource-type mapping file, required in JDBC mode")
	fhirVersion := fs.String("fhirVersion", config.FHIRVersion, "DSTU3 or R4")
	structureDefinitionsPath := fs.String("structureDefinitionsPath", config.StructureDefinitionsPath, "optional directory of StructureDefinition profiles")
	recursiveDepth := fs.Int("recursiveDepth", config.RecursiveDepth, "above 0, store Reference elements as nested records (0 stores them as opaque strings)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	config.Source = *source
	config.SourceUser = *sourceUser
	config.SourcePassword = *sourcePassword
	config.SinkFhirPath = *sinkFhirPath
	config.SinkUser = *sinkUser
	config.SinkPassword = *sinkPassword
	config.OutputParquetPath = *outputParquetPath
	config.Resources = *resources
	config.BatchSize = *batchSize
	config.FetchSize = *fetchSize
	config.WorkerCount = *workerCount
	config.JdbcMode = *jdbcMode
	config.JdbcUrl = *jdbcUrl
	config.JdbcDriverClass = *jdbcDriverClass
	config.DbUser = *dbUser
	config.DbPassword = *dbPassword
	config.TableFhirMapPath = *tableFhirMapPath
	config.FHIRVersion = *fhirVersion
	config.StructureDefinitionsPath = *structureDefinitionsPath
	config.RecursiveDepth = *recursiveDepth
	return nil
}

// sourceClientConfig builds a fhirclient.Config for the source server from
// the resolved Config, using basic auth if a source username was given.
// MaxIdleConnsPerHost is tied to WorkerCount so the transport can keep one
// idle connection warm per concurrent worker instead of the default 2.
func (c Config) sourceClientConfig() fhirclient.Config {
	cfg := fhirclient.Config{BaseURL: c.Source, MaxIdleConnsPerHost: minConnectionsFor(c.WorkerCount)}
	if c.SourceUser != "" {
		cfg.BasicAuth = httpauth.BasicAuthConfig{Username: c.SourceUser, Password: c.SourcePassword}
	}
	return cfg
}

// sinkClientConfig builds a fhirclient.Config for the optional mirror
// sink server, sizing its transport the same way sourceClientConfig does.
func (c Config) sinkClientConfig() fhirclient.Config {
	cfg := fhirclient.Config{BaseURL: c.SinkFhirPath, MaxIdleConnsPerHost: minConnectionsFor(c.WorkerCount)}
	if c.SinkUser != "" {
		cfg.BasicAuth = httpauth.BasicAuthConfig{Username: c.SinkUser, Password: c.SinkPassword}
	}
	return cfg
}

func (c Config) schemaRegistryConfig() schemaregistry.Config {
	return schemaregistry.Config{
		FHIRVersion:              c.FHIRVersion,
		StructureDefinitionsPath: c.StructureDefinitionsPath,
		RecursiveDepth:           c.RecursiveDepth,
	}
}

func (c Config) parquetSinkConfig() parquetsink.Config {
	return parquetsink.Config{Root: c.OutputParquetPath, RowGroupSizeBytes: c.RowGroupSizeBytes}
}

func (c Config) jdbcConfig() idpartition.Config {
	dsn := c.JdbcUrl
	if c.DbUser != "" && !strings.Contains(dsn, "user=") {
		dsn = fmt.Sprintf("%s user=%s password=%s", dsn, c.DbUser, c.DbPassword)
	}
	return idpartition.Config{DSN: dsn, MinConnections: minConnectionsFor(c.WorkerCount)}
}

// minConnectionsFor mirrors idpartition.Open's own floor, computed here so
// the mapping string is unambiguous in tests.
func minConnectionsFor(workerCount int) int {
	if workerCount < 1 {
		return 1
	}
	return workerCount
}
