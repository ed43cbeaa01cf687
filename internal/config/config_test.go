package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-zero/mbsync/internal/logging"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mbsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
source:
  url: https://bi.example.com/
  username: exporter@example.com
  password: secret
  database: Sales
collection: Imported
parent_collection: Team
data_dir: ./export
workers: 4
timeout: 30s
log:
  level: debug
  json: true
`)
	cfg, err := Load(path, env(nil))
	require.NoError(t, err)
	require.NotNil(t, cfg.Source)
	assert.Equal(t, "Sales", cfg.Source.Database)
	assert.Nil(t, cfg.Target)
	assert.Equal(t, "Imported", cfg.Collection)
	assert.Equal(t, "Team", cfg.Parent)
	assert.Equal(t, "./export", cfg.DataDir)
	assert.Equal(t, 4, cfg.Workers)
	assert.EqualValues(t, 20, cfg.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, logging.LevelDebug, cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, `
target:
  url: https://old.example.com/
  username: u
  password: p
  database: Old
`)
	cfg, err := Load(path, env(map[string]string{
		"MB_IMPORT_HOST": "https://new.example.com/",
		"MB_IMPORT_DB":   "New",
		"MB_DATA_DIR":    "/tmp/out",
	}))
	require.NoError(t, err)
	assert.Equal(t, "https://new.example.com/", cfg.Target.URL)
	assert.Equal(t, "New", cfg.Target.Database)
	assert.Equal(t, "u", cfg.Target.Username)
	assert.Equal(t, "/tmp/out", cfg.DataDir)
}

func TestEnvironmentOnly(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"MB_EXPORT_HOST":     "http://localhost:3000/",
		"MB_EXPORT_USERNAME": "a",
		"MB_EXPORT_PASSWORD": "b",
		"MB_EXPORT_DB":       "c",
	}))
	require.NoError(t, err)
	src, err := cfg.RequireSource()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/", src.URL)

	_, err = cfg.RequireTarget()
	assert.ErrorContains(t, err, "MB_IMPORT_HOST")
}

func TestMissingDefaultFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load(DefaultFile, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.DataDir)

	_, err = Load("other.yaml", env(nil))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"incomplete endpoint", "source:\n  url: https://x.example.com/\n", "Config.Source.Username"},
		{"bad url", "source:\n  url: not a url\n  username: a\n  password: b\n  database: c\n", "Config.Source.URL"},
		{"workers", "workers: 0\n", "Config.Workers"},
		{"parent without collection", "parent_collection: Team\n", "Config.Parent"},
		{"bad level", "log:\n  level: loud\n", "unknown log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body), env(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadProvision(t *testing.T) {
	path := writeFile(t, `
collection: Sales
card_collection: questions Sales
provision:
  engine: sqlite
  details:
    db: /data/sales.db
  group: Sales
  user:
    email: analyst@example.com
    password: from-file
    first_name: Ana
`)
	cfg, err := Load(path, env(map[string]string{"MB_PROVISION_PASSWORD": "from-env"}))
	require.NoError(t, err)
	assert.Equal(t, "questions Sales", cfg.CardCollection)
	assert.Equal(t, "sqlite", cfg.Provision.Engine)
	assert.Equal(t, map[string]any{"db": "/data/sales.db"}, cfg.Provision.Details)
	assert.Equal(t, "Sales", cfg.Provision.Group)
	require.NotNil(t, cfg.Provision.User)
	assert.Equal(t, User{Email: "analyst@example.com", Password: "from-env", FirstName: "Ana"}, *cfg.Provision.User)
}

func TestProvisionUserFromEnvironment(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"MB_PROVISION_EMAIL":    "analyst@example.com",
		"MB_PROVISION_PASSWORD": "secret",
	}))
	require.NoError(t, err)
	require.NotNil(t, cfg.Provision.User)
	assert.Equal(t, "analyst@example.com", cfg.Provision.User.Email)
}

func TestInvalidProvisionUser(t *testing.T) {
	_, err := Load("", env(map[string]string{"MB_PROVISION_EMAIL": "not-an-email"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Email")
	assert.Contains(t, err.Error(), "Password")
}

func TestCardCollectionNeedsCollection(t *testing.T) {
	path := writeFile(t, "card_collection: questions\n")
	_, err := Load(path, env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CardCollection")
}
