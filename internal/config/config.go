// Package config loads mbsync settings from a YAML file and the
// environment.
//
// The file is optional. Environment variables override it: MB_EXPORT_HOST,
// MB_EXPORT_USERNAME, MB_EXPORT_PASSWORD and MB_EXPORT_DB for the source
// server, the MB_IMPORT_ equivalents for the target, MB_DATA_DIR, and
// MB_PROVISION_EMAIL and MB_PROVISION_PASSWORD for the account the
// provision command creates.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/foundry-zero/mbsync/internal/logging"
)

// DefaultFile is the config file looked up when none is given.
const DefaultFile = "mbsync.yaml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Endpoint is one server and the database configuration is exchanged for.
type Endpoint struct {
	URL      string `yaml:"url" validate:"required,http_url"`
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	Database string `yaml:"database" validate:"required"`
}

// Log configures the process logger.
type Log struct {
	Level logging.Level `yaml:"level"`
	JSON  bool          `yaml:"json"`
}

// User is an account the provision command creates or updates.
type User struct {
	Email     string `yaml:"email" validate:"required,email"`
	Password  string `yaml:"password" validate:"required"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
}

// Provision configures the provision command. Without an engine the target
// database must already exist.
type Provision struct {
	Engine  string         `yaml:"engine"`
	Details map[string]any `yaml:"details"`
	Group   string         `yaml:"group"`
	User    *User          `yaml:"user"`
}

// Config is the complete mbsync configuration.
type Config struct {
	// Source is the server exported from.
	Source *Endpoint `yaml:"source"`
	// Target is the server imported into.
	Target *Endpoint `yaml:"target"`

	// Collection receives imported cards and dashboards. Parent, when set,
	// is the collection it is created under.
	Collection string `yaml:"collection"`
	Parent     string `yaml:"parent_collection" validate:"excluded_without=Collection"`
	// CardCollection, when set, receives imported cards instead and is
	// created inside Collection.
	CardCollection string `yaml:"card_collection" validate:"excluded_without=Collection"`

	Provision Provision `yaml:"provision"`

	DataDir   string        `yaml:"data_dir" validate:"required"`
	Workers   int           `yaml:"workers" validate:"gte=1,lte=64"`
	RateLimit float64       `yaml:"rate_limit" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	DryRun    bool          `yaml:"dry_run"`
	Log       Log           `yaml:"log"`
}

// Default returns the settings used before the file and environment are
// applied.
func Default() *Config {
	return &Config{
		DataDir:   "data",
		Workers:   8,
		RateLimit: 20,
		Timeout:   time.Minute,
		Log:       Log{Level: logging.LevelInfo},
	}
}

// Load reads path over the defaults, applies the environment read through
// getenv and validates the result. A missing file is not an error when path
// is DefaultFile. getenv may be nil, meaning os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultFile:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg.applyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	c.Source = endpointFromEnv(c.Source, "MB_EXPORT_", getenv)
	c.Target = endpointFromEnv(c.Target, "MB_IMPORT_", getenv)
	if dir := getenv("MB_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	email, password := getenv("MB_PROVISION_EMAIL"), getenv("MB_PROVISION_PASSWORD")
	if email == "" && password == "" {
		return
	}
	u := User{}
	if c.Provision.User != nil {
		u = *c.Provision.User
	}
	if email != "" {
		u.Email = email
	}
	if password != "" {
		u.Password = password
	}
	c.Provision.User = &u
}

func endpointFromEnv(e *Endpoint, prefix string, getenv func(string) string) *Endpoint {
	vars := map[string]*string{}
	out := Endpoint{}
	if e != nil {
		out = *e
	}
	vars["HOST"] = &out.URL
	vars["USERNAME"] = &out.Username
	vars["PASSWORD"] = &out.Password
	vars["DB"] = &out.Database

	set := false
	for suffix, field := range vars {
		if v := getenv(prefix + suffix); v != "" {
			*field = v
			set = true
		}
	}
	if !set {
		return e
	}
	return &out
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RequireSource returns the source endpoint, or an error naming the
// settings that provide it.
func (c *Config) RequireSource() (*Endpoint, error) {
	if c.Source == nil {
		return nil, errors.New("no source server: set source in the config file or MB_EXPORT_HOST, MB_EXPORT_USERNAME, MB_EXPORT_PASSWORD and MB_EXPORT_DB")
	}
	return c.Source, nil
}

// RequireTarget returns the target endpoint, or an error naming the
// settings that provide it.
func (c *Config) RequireTarget() (*Endpoint, error) {
	if c.Target == nil {
		return nil, errors.New("no target server: set target in the config file or MB_IMPORT_HOST, MB_IMPORT_USERNAME, MB_IMPORT_PASSWORD and MB_IMPORT_DB")
	}
	return c.Target, nil
}
