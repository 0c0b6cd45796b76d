// Package config resolves engine settings from defaults, .sprout/config.yaml,
// a project .env file and SPROUT_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sprout-dev/sprout/internal/fileutil"
)

const (
	FileName   = "config.yaml"
	EnvPrefix  = "SPROUT_"
	DefaultDir = ".sprout"
)

type Config struct {
	Namespace      string `yaml:"namespace"`
	ManagedDir     string `yaml:"managed_dir"`
	UserDir        string `yaml:"user_dir"`
	AuditDir       string `yaml:"audit_dir"`
	CompositionDir string `yaml:"composition_dir"`
	CatalogDir     string `yaml:"catalog_dir"`
	Log            Log    `yaml:"log"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Namespace:      "sprout",
		ManagedDir:     "packages",
		UserDir:        "src",
		AuditDir:       DefaultDir + "/audit",
		CompositionDir: "packages/composition",
		CatalogDir:     DefaultDir + "/capabilities",
		Log:            Log{Level: "info", Format: "console"},
	}
}

// Path is the project config file location.
func Path(root string) string {
	return filepath.Join(root, DefaultDir, FileName)
}

// Load resolves the configuration for the project at root. A missing config
// file or .env file is not an error.
func Load(root string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(root))
	switch {
	case err == nil:
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", Path(root), err)
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("failed to read %s: %w", Path(root), err)
	}

	dotenv, err := godotenv.Read(filepath.Join(root, ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}
	cfg.applyEnv(func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	})

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) string) {
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(lookup(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}
	set(&c.Namespace, "NAMESPACE")
	set(&c.ManagedDir, "MANAGED_DIR")
	set(&c.UserDir, "USER_DIR")
	set(&c.AuditDir, "AUDIT_DIR")
	set(&c.CompositionDir, "COMPOSITION_DIR")
	set(&c.CatalogDir, "CATALOG_DIR")
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Log.Format, "LOG_FORMAT")
}

func (c *Config) normalize() {
	for _, p := range []*string{&c.ManagedDir, &c.UserDir, &c.AuditDir, &c.CompositionDir, &c.CatalogDir} {
		if cleaned, err := fileutil.CleanRel(*p); err == nil {
			*p = cleaned
		}
	}
	c.Namespace = strings.TrimSpace(c.Namespace)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate checks the zone layout. The managed and user zones must be
// relative, non-empty and disjoint, and the composition package must live in
// the managed zone.
func (c Config) Validate() error {
	var problems []string
	for name, p := range map[string]string{
		"managed_dir":     c.ManagedDir,
		"user_dir":        c.UserDir,
		"audit_dir":       c.AuditDir,
		"composition_dir": c.CompositionDir,
		"catalog_dir":     c.CatalogDir,
	} {
		if _, err := fileutil.CleanRel(p); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(problems) == 0 {
		if nested(c.ManagedDir, c.UserDir) || nested(c.UserDir, c.ManagedDir) {
			problems = append(problems, fmt.Sprintf("managed_dir %q and user_dir %q overlap", c.ManagedDir, c.UserDir))
		}
		if !nested(c.ManagedDir, c.CompositionDir) || c.CompositionDir == c.ManagedDir {
			problems = append(problems, fmt.Sprintf("composition_dir %q must be inside managed_dir %q", c.CompositionDir, c.ManagedDir))
		}
	}
	if !namespacePattern(c.Namespace) {
		problems = append(problems, fmt.Sprintf("namespace %q must be lowercase letters, digits and hyphens", c.Namespace))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not console or json", c.Log.Format))
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func nested(parent, child string) bool {
	return child == parent || strings.HasPrefix(child, parent+"/")
}

func namespacePattern(ns string) bool {
	if ns == "" || ns[0] == '-' {
		return false
	}
	for _, r := range ns {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

// Write persists cfg as the project config file.
func Write(root string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	target := Path(root)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return fileutil.WriteAtomic(target, data, 0644)
}
