// Package settings manages persistent user settings for the sydeflash CLI.
//
// Settings come from a YAML file (~/.sydeflash/config.yaml unless --config
// names another), overridden by SYDEFLASH_* environment variables. Nested
// keys map to variables with dots replaced by underscores, so can.port is
// read from SYDEFLASH_CAN_PORT.
package settings

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SYDEFLASH"

// CANSettings configures the serial-line CAN adapter.
type CANSettings struct {
	Port    string `mapstructure:"port" yaml:"port,omitempty"`
	Baud    int    `mapstructure:"baud" yaml:"baud"`
	Bitrate int    `mapstructure:"bitrate" yaml:"bitrate"` // kbit/s
}

// EthernetSettings configures the Ethernet access point.
type EthernetSettings struct {
	Address    string `mapstructure:"address" yaml:"address,omitempty"`
	JumpHost   string `mapstructure:"jump_host" yaml:"jump_host,omitempty"`
	JumpUser   string `mapstructure:"jump_user" yaml:"jump_user,omitempty"`
	KeyFile    string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	KnownHosts string `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
}

// MQTTSettings configures progress publishing. Publishing is off when
// Broker is empty.
type MQTTSettings struct {
	Broker   string `mapstructure:"broker" yaml:"broker,omitempty"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	// Password is best passed as SYDEFLASH_MQTT_PASSWORD.
	Password string `mapstructure:"password" yaml:"-"`
}

// RedisSettings configures the fleet state store. It is off when Addr is
// empty.
type RedisSettings struct {
	Addr   string        `mapstructure:"addr" yaml:"addr,omitempty"`
	DB     int           `mapstructure:"db" yaml:"db"`
	Expiry time.Duration `mapstructure:"expiry" yaml:"expiry"`
	// LockTTL bounds how long a crashed run keeps the fleet locked.
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// Settings holds persistent user preferences
type Settings struct {
	User      string        `mapstructure:"user" yaml:"user,omitempty"`
	Driver    string        `mapstructure:"driver" yaml:"driver"`
	AccessBus string        `mapstructure:"access_bus" yaml:"access_bus,omitempty"`
	ResetWait time.Duration `mapstructure:"reset_wait" yaml:"reset_wait"`
	BlockSize int           `mapstructure:"block_size" yaml:"block_size"`
	FailFast  bool          `mapstructure:"fail_fast" yaml:"fail_fast"`

	CAN      CANSettings      `mapstructure:"can" yaml:"can"`
	Ethernet EthernetSettings `mapstructure:"ethernet" yaml:"ethernet"`
	MQTT     MQTTSettings     `mapstructure:"mqtt" yaml:"mqtt"`
	Redis    RedisSettings    `mapstructure:"redis" yaml:"redis"`

	AuditLog string `mapstructure:"audit_log" yaml:"audit_log,omitempty"`
}

// defaults lists every key so that environment overrides reach Unmarshal.
var defaults = map[string]interface{}{
	"user":                 "",
	"driver":               "",
	"access_bus":           "",
	"reset_wait":           "1s",
	"block_size":           0,
	"fail_fast":            false,
	"can.port":             "",
	"can.baud":             115200,
	"can.bitrate":          500,
	"ethernet.address":     "",
	"ethernet.jump_host":   "",
	"ethernet.jump_user":   "",
	"ethernet.key_file":    "",
	"ethernet.known_hosts": "",
	"mqtt.broker":          "",
	"mqtt.topic":           "sydeflash",
	"mqtt.client_id":       "",
	"mqtt.username":        "",
	"mqtt.password":        "",
	"redis.addr":           "",
	"redis.db":             0,
	"redis.expiry":         "168h",
	"redis.lock_ttl":       "30m",
	"audit_log":            "",
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sydeflash.yaml"
	}
	return filepath.Join(home, ".sydeflash", "config.yaml")
}

// DefaultAuditLogPath returns the audit log location used when AuditLog is
// not set.
func DefaultAuditLogPath() string {
	return filepath.Join(filepath.Dir(DefaultSettingsPath()), "audit.log")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return load(DefaultSettingsPath(), false)
}

// LoadFrom reads settings from path. Unlike Load, a missing file is an
// error.
func LoadFrom(path string) (*Settings, error) {
	return load(path, true)
}

func load(path string, explicit bool) (*Settings, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, util.NewConfigErrorf("reading %s: %v", path, err)
		}
	} else if !os.IsNotExist(err) || explicit {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, util.NewConfigErrorf("decoding %s: %v", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks value ranges. Transport settings are checked when the
// transport is opened.
func (s *Settings) Validate() error {
	vb := &util.ValidationBuilder{}
	vb.Add(s.ResetWait >= 0, "reset_wait must not be negative")
	vb.Add(s.BlockSize >= 0, "block_size must not be negative")
	vb.Add(s.Redis.DB >= 0, "redis.db must not be negative")
	vb.Add(s.Ethernet.JumpHost == "" || s.Ethernet.Address != "", "ethernet.jump_host needs ethernet.address")
	vb.Add(s.MQTT.Broker == "" || s.MQTT.Topic != "", "mqtt.topic must not be empty when a broker is set")
	return vb.Build()
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// UserName returns the configured user, falling back to the login name.
// It identifies the operator in fingerprints, audit events and fleet locks.
func (s *Settings) UserName() string {
	if s.User != "" {
		return s.User
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// GetAuditLog returns the audit log path (with fallback)
func (s *Settings) GetAuditLog() string {
	if s.AuditLog != "" {
		return s.AuditLog
	}
	return DefaultAuditLogPath()
}
