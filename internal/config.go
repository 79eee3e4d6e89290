package internal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Lock store backends.
const (
	LockBackendFile   = "file"
	LockBackendSQLite = "sqlite"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Vault   VaultConfig       `yaml:"vault"`
	Locks   LocksConfig       `yaml:"locks"`
	Editor  EditorConfig      `yaml:"editor"`
	Windows WindowsConfig     `yaml:"windows"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.Locks.Validate(); err != nil {
		return err
	}
	if err := c.Editor.Validate(); err != nil {
		return err
	}
	if err := c.Windows.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig locates the vault and names this device.
//
// DeviceID may be left empty; a random ID is then persisted in DeviceIDFile
// on first start so the device keeps its identity across restarts.
type VaultConfig struct {
	Path         string `yaml:"path"`
	Name         string `yaml:"name"`
	DeviceID     string `yaml:"device_id"`
	DeviceIDFile string `yaml:"device_id_file"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.DeviceIDFile, validation.When(c.DeviceID == "", validation.Required)),
	)
}

// VaultName returns the configured vault name, defaulting to the base name
// of the vault directory.
func (c *VaultConfig) VaultName() string {
	if c.Name != "" {
		return c.Name
	}
	return filepath.Base(filepath.Clean(c.Path))
}

// LocksConfig tunes the advisory note locks.
type LocksConfig struct {
	Backend           string        `yaml:"backend"`
	SQLitePath        string        `yaml:"sqlite_path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	StaleMultiplier   int           `yaml:"stale_multiplier"`
	GraceDelay        time.Duration `yaml:"grace_delay"`
}

// Validate validates the lock configuration.
func (c *LocksConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(LockBackendFile, LockBackendSQLite)),
		validation.Field(&c.SQLitePath, validation.When(c.Backend == LockBackendSQLite, validation.Required)),
		validation.Field(&c.HeartbeatInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.StaleMultiplier, validation.Required, validation.Min(2)),
		validation.Field(&c.GraceDelay, validation.Min(time.Duration(0))),
	)
}

// EditorConfig holds document session settings.
type EditorConfig struct {
	SaveDebounce time.Duration `yaml:"save_debounce"`
}

// Validate validates the editor configuration.
func (c *EditorConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SaveDebounce, validation.Min(time.Duration(0))),
	)
}

// WindowsConfig bounds the cache of soft-closed windows.
type WindowsConfig struct {
	MaxCached    int           `yaml:"max_cached"`
	MaxCachedAge time.Duration `yaml:"max_cached_age"`
}

// Validate validates the window cache configuration.
func (c *WindowsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxCached, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxCachedAge, validation.Required, validation.Min(time.Second)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Vault: VaultConfig{
			Path:         "./vault",
			DeviceIDFile: defaultDeviceIDFile(),
		},
		Locks: LocksConfig{
			Backend:           LockBackendFile,
			SQLitePath:        "./vaultkeep-locks.db",
			HeartbeatInterval: 30 * time.Second,
			PollInterval:      10 * time.Second,
			StaleMultiplier:   3,
			GraceDelay:        2 * time.Second,
		},
		Editor: EditorConfig{
			SaveDebounce: time.Second,
		},
		Windows: WindowsConfig{
			MaxCached:    10,
			MaxCachedAge: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}

func defaultDeviceIDFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".vaultkeep-device"
	}
	return filepath.Join(dir, "vaultkeep", "device-id")
}
