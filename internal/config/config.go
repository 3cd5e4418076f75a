package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

const (
	// ConfigFileBase is the configuration file name without extension.
	ConfigFileBase = "navsim"

	// DefaultPort is the default devtools server port.
	DefaultPort = 7070

	// DefaultHost is the default devtools server host.
	DefaultHost = "localhost"

	// DefaultOrigin is the origin used for handler request URLs.
	DefaultOrigin = "http://localhost"

	// DefaultIndex is the default manifest index file.
	DefaultIndex = "index.yaml"

	// DefaultRootManifest is the default manifest holding the initial routes.
	DefaultRootManifest = "root.yaml"
)

// Extensions lists the supported configuration file extensions in lookup
// order.
var Extensions = []string{".yaml", ".yml", ".json", ".toml"}

var (
	// ErrNotFound is returned when no configuration file exists.
	ErrNotFound = errors.New("config: no navsim configuration file found")

	// ErrUnsupportedFormat is returned for unknown file extensions.
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
)

// Config represents a navsim configuration file.
type Config struct {
	// Origin is the scheme and host of handler request URLs.
	Origin string `json:"origin,omitempty" yaml:"origin,omitempty" toml:"origin,omitempty" validate:"required,url"`

	// InitialPath is the location the router starts at.
	InitialPath string `json:"initialPath,omitempty" yaml:"initialPath,omitempty" toml:"initialPath,omitempty" validate:"required,startswith=/"`

	// SkipActionErrorRevalidation skips loaders after 4xx/5xx action results.
	SkipActionErrorRevalidation bool `json:"skipActionErrorRevalidation,omitempty" yaml:"skipActionErrorRevalidation,omitempty" toml:"skipActionErrorRevalidation,omitempty"`

	// Manifests configures where route manifests come from.
	Manifests ManifestsConfig `json:"manifests,omitempty" yaml:"manifests,omitempty" toml:"manifests,omitempty"`

	// Fixtures are static values served by loaders named "fixture.<key>".
	Fixtures map[string]any `json:"fixtures,omitempty" yaml:"fixtures,omitempty" toml:"fixtures,omitempty"`

	// Devtools configures the inspector server.
	Devtools DevtoolsConfig `json:"devtools,omitempty" yaml:"devtools,omitempty" toml:"devtools,omitempty"`

	// Log configures logging.
	Log LogConfig `json:"log,omitempty" yaml:"log,omitempty" toml:"log,omitempty"`

	// Script is the step sequence run by "navsim simulate".
	Script []Step `json:"script,omitempty" yaml:"script,omitempty" toml:"script,omitempty" validate:"dive"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ManifestsConfig selects the manifest source. S3 wins over Dir when set.
type ManifestsConfig struct {
	// Dir is a local directory holding manifests.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty" toml:"dir,omitempty"`

	// Index is the index file name.
	Index string `json:"index,omitempty" yaml:"index,omitempty" toml:"index,omitempty" validate:"required"`

	// Root is the manifest holding the routes the router starts with.
	Root string `json:"root,omitempty" yaml:"root,omitempty" toml:"root,omitempty" validate:"required"`

	// S3 reads manifests from a bucket instead of Dir.
	S3 *S3Config `json:"s3,omitempty" yaml:"s3,omitempty" toml:"s3,omitempty"`
}

// S3Config locates manifests in an S3 bucket.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket" toml:"bucket" validate:"required"`
	Prefix       string `json:"prefix,omitempty" yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	Region       string `json:"region,omitempty" yaml:"region,omitempty" toml:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty" validate:"omitempty,url"`
	UsePathStyle bool   `json:"usePathStyle,omitempty" yaml:"usePathStyle,omitempty" toml:"usePathStyle,omitempty"`
}

// DevtoolsConfig contains inspector server settings.
type DevtoolsConfig struct {
	// Host is the host to bind to.
	Host string `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty" validate:"required"`

	// Port is the port to listen on.
	Port int `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty" validate:"min=0,max=65535"`

	// AllowedOrigins are accepted for the WebSocket stream. Empty allows
	// same-origin requests only.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty" toml:"allowedOrigins,omitempty"`

	// DisableMetrics removes the /metrics endpoint.
	DisableMetrics bool `json:"disableMetrics,omitempty" yaml:"disableMetrics,omitempty" toml:"disableMetrics,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty" validate:"required,oneof=debug info warn error"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty" validate:"required,oneof=text json"`
}

// Step is one scripted router operation.
type Step struct {
	// Op is the operation: navigate, submit, fetch, revalidate or go.
	Op string `json:"op" yaml:"op" toml:"op" validate:"required,oneof=navigate submit fetch revalidate go"`

	// To is the target location for navigate, submit and fetch.
	To string `json:"to,omitempty" yaml:"to,omitempty" toml:"to,omitempty"`

	// Method is the submission method. Defaults to POST for submit.
	Method string `json:"method,omitempty" yaml:"method,omitempty" toml:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`

	// Form is the submitted form data.
	Form map[string]string `json:"form,omitempty" yaml:"form,omitempty" toml:"form,omitempty"`

	// Key and RouteID identify a fetcher.
	Key     string `json:"key,omitempty" yaml:"key,omitempty" toml:"key,omitempty" validate:"required_if=Op fetch"`
	RouteID string `json:"routeId,omitempty" yaml:"routeId,omitempty" toml:"routeId,omitempty"`

	// Delta is the history offset for go.
	Delta int `json:"delta,omitempty" yaml:"delta,omitempty" toml:"delta,omitempty"`

	// Replace replaces the current history entry.
	Replace bool `json:"replace,omitempty" yaml:"replace,omitempty" toml:"replace,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Origin:      DefaultOrigin,
		InitialPath: "/",
		Manifests: ManifestsConfig{
			Dir:   "routes",
			Index: DefaultIndex,
			Root:  DefaultRootManifest,
		},
		Devtools: DevtoolsConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load looks for navsim.yaml, navsim.yml, navsim.json or navsim.toml in dir
// and loads the first one found.
func Load(dir string) (*Config, error) {
	path, ok := Find(dir)
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
	}
	return LoadFile(path)
}

// LoadFile reads configuration from the specified file path. Fields left
// empty take their defaults and the result is validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := Unmarshal(path, data, cfg); err != nil {
		return nil, err
	}
	cfg.configPath = path
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Unmarshal decodes data into v using the format implied by path's
// extension.
func Unmarshal(path string, data []byte, v any) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, v)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	case ".toml":
		err = toml.Unmarshal(data, v)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadScript reads a step list from a standalone file of the form
// {"script": [...]}.
func LoadScript(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc struct {
		Script []Step `json:"script" yaml:"script" toml:"script" validate:"required,min=1,dive"`
	}
	if err := Unmarshal(path, data, &doc); err != nil {
		return nil, err
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("config: invalid script %s: %w", path, err)
	}
	return doc.Script, nil
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() error {
	if err := mergo.Merge(c, New()); err != nil {
		return fmt.Errorf("config: apply defaults: %w", err)
	}
	if c.Manifests.S3 != nil && c.Manifests.S3.Region == "" {
		c.Manifests.S3.Region = "us-east-1"
	}
	for i := range c.Script {
		if c.Script[i].Op == "submit" && c.Script[i].Method == "" {
			c.Script[i].Method = "POST"
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if idx := strings.Index(name, ","); idx != -1 {
			name = name[:idx]
		}
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	v.RegisterStructValidation(validateStep, Step{})
	return v
}

// validateStep enforces the fields each op needs.
func validateStep(sl validator.StructLevel) {
	s := sl.Current().Interface().(Step)
	switch s.Op {
	case "navigate", "submit", "fetch":
		if s.To == "" {
			sl.ReportError(s.To, "to", "To", "required_for_op", s.Op)
		}
	case "go":
		if s.Delta == 0 {
			sl.ReportError(s.Delta, "delta", "Delta", "required_for_op", s.Op)
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid %s: %w", c.displayPath(), err)
	}
	if c.Manifests.S3 == nil && c.Manifests.Dir == "" {
		return fmt.Errorf("config: invalid %s: manifests need a dir or an s3 bucket", c.displayPath())
	}
	return nil
}

func (c *Config) displayPath() string {
	if c.configPath == "" {
		return "configuration"
	}
	return c.configPath
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// ManifestsPath returns the absolute path to the manifest directory.
func (c *Config) ManifestsPath() string {
	if filepath.IsAbs(c.Manifests.Dir) {
		return c.Manifests.Dir
	}
	return filepath.Join(c.Dir(), c.Manifests.Dir)
}

// DevtoolsAddress returns the listen address of the inspector.
func (c *Config) DevtoolsAddress() string {
	return c.Devtools.Host + ":" + strconv.Itoa(c.Devtools.Port)
}

// Find returns the first configuration file present in dir.
func Find(dir string) (string, bool) {
	for _, ext := range Extensions {
		path := filepath.Join(dir, ConfigFileBase+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, ok := Find(dir)
	return ok
}
