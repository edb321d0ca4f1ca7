package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"regionpack.ai/internal/catalogs"
)

// MaxWorkers caps the number of regions converted in parallel.
const MaxWorkers = 64

type Config struct {
	CatalogDir string `yaml:"catalog_dir" toml:"catalog_dir"`
	Workers    int    `yaml:"workers" toml:"workers"`
	Progress   bool   `yaml:"progress" toml:"progress"`
	JournalDir string `yaml:"journal_dir,omitempty" toml:"journal_dir,omitempty"`
	IndexDB    string `yaml:"index_db,omitempty" toml:"index_db,omitempty"`
	LogLevel   string `yaml:"log_level" toml:"log_level"`
}

func Defaults() Config {
	return Config{
		CatalogDir: catalogs.DefaultDir,
		Workers:    1,
		LogLevel:   "info",
	}
}

// Load reads a YAML or TOML config file on top of the defaults. TOML is chosen
// by the .toml extension. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		err = yaml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", name, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.CatalogDir = strings.TrimSpace(c.CatalogDir)
	if c.CatalogDir == "" {
		c.CatalogDir = catalogs.DefaultDir
	}
	// 0 means one worker per CPU.
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Workers > MaxWorkers {
		c.Workers = MaxWorkers
	}
	c.JournalDir = strings.TrimSpace(c.JournalDir)
	c.IndexDB = strings.TrimSpace(c.IndexDB)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.IndexDB != "" && c.IndexDB == c.JournalDir {
		return fmt.Errorf("index_db and journal_dir must differ")
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
