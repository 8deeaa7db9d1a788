package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMulticastGroup    = "239.255.42.1:5678"
	DefaultAnnounceInterval  = 30 * time.Second
	DefaultScanEvery         = 10
	DefaultReaperInterval    = 60 * time.Second
	DefaultReaperTimeout     = 90 * time.Second
	DefaultLivenessInterval  = 60 * time.Second
	DefaultLivenessTimeout   = 5 * time.Second
	DefaultScanMaxHosts      = 1024
	DefaultScanConcurrency   = 64
	DefaultScanTimeout       = time.Second
	DefaultAPIListen         = "127.0.0.1:8787"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	DefaultLogMaxSizeMB      = 50
	DefaultLogMaxBackups     = 3
	DefaultLogMaxAgeDays     = 14
	EnvPrefix                = "MESHPROBE"
	DefaultConfigName        = "meshprobe"
	DefaultSystemConfigDir   = "/etc/meshprobe"
	defaultConfigSearchLocal = "."
)

// Config is the full daemon configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node" mapstructure:"node"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Reaper    ReaperConfig    `yaml:"reaper" mapstructure:"reaper"`
	Liveness  LivenessConfig  `yaml:"liveness" mapstructure:"liveness"`
	Scan      ScanConfig      `yaml:"scan" mapstructure:"scan"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// NodeConfig describes how this node presents itself. An empty hostname means
// os.Hostname; api_port 0 means the port of api.listen.
type NodeConfig struct {
	Hostname string `yaml:"hostname" mapstructure:"hostname" validate:"max=253"`
	APIPort  int    `yaml:"api_port" mapstructure:"api_port" validate:"gte=0,lte=65535"`
}

type DiscoveryConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval    time.Duration `yaml:"interval" mapstructure:"interval" validate:"gt=0"`
	Group       string        `yaml:"group" mapstructure:"group" validate:"multicast_group"`
	ScanEvery   int           `yaml:"scan_every" mapstructure:"scan_every" validate:"gte=1"`
	WireGuard   bool          `yaml:"wireguard" mapstructure:"wireguard"`
	VPNScan     bool          `yaml:"vpn_scan" mapstructure:"vpn_scan"`
	STUNServers []string      `yaml:"stun_servers" mapstructure:"stun_servers" validate:"dive,hostport"`
}

// GroupAddr returns the parsed multicast group. Validate guarantees it parses.
func (d DiscoveryConfig) GroupAddr() netip.AddrPort {
	ap, err := netip.ParseAddrPort(d.Group)
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

type ReaperConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

type LivenessConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval" validate:"gt=0"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	SamplesCSV string        `yaml:"samples_csv" mapstructure:"samples_csv"`
}

// ScanConfig bounds the VPN subnet sweep. Rate is probe launches per second;
// 0 disables pacing.
type ScanConfig struct {
	MaxHosts    int           `yaml:"max_hosts" mapstructure:"max_hosts" validate:"gte=1"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1,lte=1024"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	Rate        float64       `yaml:"rate" mapstructure:"rate" validate:"gte=0"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen" validate:"required_if=Enabled true,omitempty,hostport"`
}

// Port returns the port part of Listen, or 0.
func (a APIConfig) Port() int {
	_, port, err := net.SplitHostPort(a.Listen)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level" validate:"log_level"`
	Format     string `yaml:"format" mapstructure:"format" validate:"log_format"`
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" validate:"gte=0"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age" validate:"gte=0"`
}

// Default returns a fully populated configuration.
func Default() Config {
	return Config{
		Discovery: DiscoveryConfig{
			Enabled:   true,
			Interval:  DefaultAnnounceInterval,
			Group:     DefaultMulticastGroup,
			ScanEvery: DefaultScanEvery,
			WireGuard: true,
			VPNScan:   true,
		},
		Reaper: ReaperConfig{
			Interval: DefaultReaperInterval,
			Timeout:  DefaultReaperTimeout,
		},
		Liveness: LivenessConfig{
			Enabled:  true,
			Interval: DefaultLivenessInterval,
			Timeout:  DefaultLivenessTimeout,
		},
		Scan: ScanConfig{
			MaxHosts:    DefaultScanMaxHosts,
			Concurrency: DefaultScanConcurrency,
			Timeout:     DefaultScanTimeout,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  DefaultAPIListen,
		},
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Format:     DefaultLogFormat,
			MaxSize:    DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAge:     DefaultLogMaxAgeDays,
		},
	}
}

// Load merges defaults, an optional YAML file and MESHPROBE_* environment
// variables (discovery.interval -> MESHPROBE_DISCOVERY_INTERVAL), then
// validates. With an empty path, meshprobe.yaml is looked up in the working
// directory and /etc/meshprobe; not finding one is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(defaultConfigSearchLocal)
		v.AddConfigPath(DefaultSystemConfigDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ApplyDefaults fills in default values for zero numeric and string fields.
// Booleans are left alone; an explicit false must survive.
func ApplyDefaults(cfg *Config) {
	d := Default()

	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = d.Discovery.Interval
	}
	if cfg.Discovery.Group == "" {
		cfg.Discovery.Group = d.Discovery.Group
	}
	if cfg.Discovery.ScanEvery == 0 {
		cfg.Discovery.ScanEvery = d.Discovery.ScanEvery
	}

	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = d.Reaper.Interval
	}
	if cfg.Reaper.Timeout == 0 {
		cfg.Reaper.Timeout = d.Reaper.Timeout
	}

	if cfg.Liveness.Interval == 0 {
		cfg.Liveness.Interval = d.Liveness.Interval
	}
	if cfg.Liveness.Timeout == 0 {
		cfg.Liveness.Timeout = d.Liveness.Timeout
	}

	if cfg.Scan.MaxHosts == 0 {
		cfg.Scan.MaxHosts = d.Scan.MaxHosts
	}
	if cfg.Scan.Concurrency == 0 {
		cfg.Scan.Concurrency = d.Scan.Concurrency
	}
	if cfg.Scan.Timeout == 0 {
		cfg.Scan.Timeout = d.Scan.Timeout
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
}

// Validate checks field constraints and reports every violation, keyed by
// its YAML path.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("node.hostname", d.Node.Hostname)
	v.SetDefault("node.api_port", d.Node.APIPort)

	v.SetDefault("discovery.enabled", d.Discovery.Enabled)
	v.SetDefault("discovery.interval", d.Discovery.Interval)
	v.SetDefault("discovery.group", d.Discovery.Group)
	v.SetDefault("discovery.scan_every", d.Discovery.ScanEvery)
	v.SetDefault("discovery.wireguard", d.Discovery.WireGuard)
	v.SetDefault("discovery.vpn_scan", d.Discovery.VPNScan)
	v.SetDefault("discovery.stun_servers", d.Discovery.STUNServers)

	v.SetDefault("reaper.interval", d.Reaper.Interval)
	v.SetDefault("reaper.timeout", d.Reaper.Timeout)

	v.SetDefault("liveness.enabled", d.Liveness.Enabled)
	v.SetDefault("liveness.interval", d.Liveness.Interval)
	v.SetDefault("liveness.timeout", d.Liveness.Timeout)
	v.SetDefault("liveness.samples_csv", d.Liveness.SamplesCSV)

	v.SetDefault("scan.max_hosts", d.Scan.MaxHosts)
	v.SetDefault("scan.concurrency", d.Scan.Concurrency)
	v.SetDefault("scan.timeout", d.Scan.Timeout)
	v.SetDefault("scan.rate", d.Scan.Rate)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen", d.API.Listen)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	must := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register %s: %v", tag, err))
		}
	}
	must("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error":
			return true
		}
		return false
	})
	must("log_format", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "console", "json":
			return true
		}
		return false
	})
	must("multicast_group", func(fl validator.FieldLevel) bool {
		ap, err := netip.ParseAddrPort(fl.Field().String())
		if err != nil {
			return false
		}
		return ap.Addr().Is4() && ap.Addr().IsMulticast() && ap.Port() != 0
	})
	must("hostport", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil {
			return false
		}
		_, err = strconv.ParseUint(port, 10, 16)
		return err == nil
	})
	return v
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "log_level":
		return fmt.Sprintf("%s: must be one of debug, info, warn, error", field)
	case "log_format":
		return fmt.Sprintf("%s: must be console or json", field)
	case "multicast_group":
		return fmt.Sprintf("%s: must be an IPv4 multicast host:port, got %q", field, fe.Value())
	case "hostport":
		return fmt.Sprintf("%s: must be host:port, got %q", field, fe.Value())
	case "required_if":
		return fmt.Sprintf("%s: required", field)
	case "gt", "gte", "lte", "max":
		return fmt.Sprintf("%s: must satisfy %s=%s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s", field, fe.Tag())
	}
}
