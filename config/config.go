// Package config loads the rotator configuration file and its environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	proxyrotator "go-proxyrotator"
	"go-proxyrotator/database"

	"github.com/joho/godotenv"
	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"
)

// Supported provisioners.
const (
	ProviderLinode = "linode"
	ProviderDryRun = "dryrun"
)

// Config is the rotator configuration. The file is YAML; JSON files parse
// as well since JSON is a subset of YAML. Unknown keys are rejected.
type Config struct {
	// Policy is the retirement policy, e.g. "lru_new_region" or "ROTATION_LRU_NEW_REGION".
	Policy string `yaml:"policy"`

	// Frequency is the rotation interval in hours. Fractions are allowed.
	Frequency float64 `yaml:"frequency"`

	// RegionIDs are the datacenters new proxies may be provisioned into.
	RegionIDs []int `yaml:"region_ids"`

	// RegionNames overrides the datacenter names used in notifications.
	RegionNames map[int]string `yaml:"region_names"`

	VPSProvider string `yaml:"vps_provider"`

	// ProxyList is the durable record file.
	ProxyList       string `yaml:"proxylist"`
	IncludeDisabled bool   `yaml:"include_disabled"`

	LBTemplate    string `yaml:"lb_template"`
	LBConfig      string `yaml:"lb_config"`
	LBRestart     string `yaml:"lb_restart"`
	LBBackendPort int    `yaml:"lb_backend_port"`

	// User and SSHKey are used to post-process new proxies over SSH.
	User        string      `yaml:"user"`
	SSHKey      string      `yaml:"ssh_key"`
	PostProcess PostProcess `yaml:"post_process"`

	Email   Email   `yaml:"email"`
	Linode  Linode  `yaml:"linode"`
	Journal Journal `yaml:"journal"`

	HeartbeatFile string `yaml:"heartbeat_file"`
	PIDFile       string `yaml:"pid_file"`
	LogFile       string `yaml:"log_file"`
	LogLevel      string `yaml:"log_level"`

	// StatusAddr enables the status HTTP endpoint while running, e.g. "127.0.0.1:8090".
	StatusAddr string `yaml:"status_addr"`

	// Seed makes region and retirement choices reproducible. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// PostProcess configures the SSH commands run on every new proxy.
type PostProcess struct {
	Enabled   bool          `yaml:"enabled"`
	BootDelay time.Duration `yaml:"boot_delay"`
	Port      int           `yaml:"port"`
	Commands  []string      `yaml:"commands"`
}

// Email configures rotation notification mails.
type Email struct {
	Enabled  bool     `yaml:"enabled"`
	Server   string   `yaml:"server"`
	Port     int      `yaml:"port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Subject  string   `yaml:"subject"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// Linode configures the Linode provisioner.
type Linode struct {
	APIURL string `yaml:"api_url"`
	Token  string `yaml:"token"`
	Type   string `yaml:"type"`
	Image  string `yaml:"image"`
	Tag    string `yaml:"tag"`
	// AuthorizedKeys are installed for root so post-processing can log in.
	AuthorizedKeys []string `yaml:"authorized_keys"`
	// BootTimeout bounds the wait for a new instance to report running.
	BootTimeout time.Duration `yaml:"boot_timeout"`
}

// Journal configures the rotation history database. An empty DSN disables it.
type Journal struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
	// LeaseTTL bounds how long a crashed rotator keeps others from writing the fleet.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// envOverrides are read from the environment after the file is decoded.
// Secrets belong here rather than in the config file.
type envOverrides struct {
	LogLevel     string `envconfig:"ROTATOR_LOG_LEVEL,optional"`
	LinodeToken  string `envconfig:"ROTATOR_LINODE_TOKEN,optional"`
	SMTPPassword string `envconfig:"ROTATOR_SMTP_PASSWORD,optional"`
	JournalDSN   string `envconfig:"ROTATOR_JOURNAL_DSN,optional"`
	StatusAddr   string `envconfig:"ROTATOR_STATUS_ADDR,optional"`
}

// Default returns a Config with every optional setting filled in.
func Default() *Config {
	return &Config{
		VPSProvider:   ProviderLinode,
		ProxyList:     "proxies.list",
		LBRestart:     "sudo service haproxy reload",
		LBBackendPort: 8321,
		User:          "root",
		PostProcess: PostProcess{
			Enabled:   true,
			BootDelay: 5 * time.Second,
			Port:      22,
			Commands: []string{
				"sudo iptables-restore < /etc/iptables.rules",
				"sudo squid3 -f /etc/squid3/squid.conf",
			},
		},
		Email: Email{
			Port:    587,
			Subject: "Proxy rotated",
		},
		Linode: Linode{
			APIURL:      "https://api.linode.com/v4",
			Type:        "g6-nanode-1",
			Image:       "linode/debian11",
			Tag:         "proxy-rotator",
			BootTimeout: 5 * time.Minute,
		},
		Journal: Journal{
			TablePrefix: "rotator",
			LeaseTTL:    2 * time.Minute,
		},
		HeartbeatFile: ".heartbeat",
		PIDFile:       "rotator.pid",
		LogFile:       "rotator.log",
		LogLevel:      "info",
	}
}

// Load reads the config file at path, applies a .env file found next to it
// and the ROTATOR_* environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", proxyrotator.ErrConfig, err)
	}

	var cfg = Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", proxyrotator.ErrConfig, path, err)
	}

	if err := loadEnvFile(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, fmt.Errorf("%w: %w", proxyrotator.ErrConfig, err)
	}
	if err := cfg.applyEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: %w", proxyrotator.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	var decoder = yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("config file is empty")
		}
		return err
	}
	return nil
}

// loadEnvFile exports the variables of a .env file. Variables already set in
// the environment win. A missing file is ignored.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironment() error {
	var env envOverrides
	if err := envconfig.Init(&env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.LinodeToken != "" {
		c.Linode.Token = env.LinodeToken
	}
	if env.SMTPPassword != "" {
		c.Email.Password = env.SMTPPassword
	}
	if env.JournalDSN != "" {
		c.Journal.DSN = env.JournalDSN
	}
	if env.StatusAddr != "" {
		c.StatusAddr = env.StatusAddr
	}
	return nil
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var problems []string

	if _, err := proxyrotator.ParsePolicy(c.Policy); err != nil {
		problems = append(problems, fmt.Sprintf("policy %q is not a known rotation policy", c.Policy))
	}
	if !(c.Frequency > 0) || c.Interval() <= 0 {
		problems = append(problems, "frequency must be a positive number of hours")
	}
	if len(c.RegionIDs) == 0 {
		problems = append(problems, "region_ids must list at least one region")
	}
	for _, id := range c.RegionIDs {
		if id <= 0 {
			problems = append(problems, fmt.Sprintf("region id %d is not valid", id))
		}
	}
	switch c.VPSProvider {
	case ProviderLinode, ProviderDryRun:
	default:
		problems = append(problems, fmt.Sprintf("vps_provider %q is not supported", c.VPSProvider))
	}
	if c.ProxyList == "" {
		problems = append(problems, "proxylist must be set")
	}
	if c.LBTemplate == "" {
		problems = append(problems, "lb_template must be set")
	}
	if c.LBConfig == "" {
		problems = append(problems, "lb_config must be set")
	}
	if c.LBBackendPort <= 0 || c.LBBackendPort > 65535 {
		problems = append(problems, fmt.Sprintf("lb_backend_port %d is out of range", c.LBBackendPort))
	}
	if c.Email.Enabled && (c.Email.Server == "" || c.Email.From == "" || len(c.Email.To) == 0) {
		problems = append(problems, "email requires server, from and to when enabled")
	}
	if c.Journal.DSN != "" {
		if err := database.ValidateTablePrefix(c.Journal.TablePrefix); err != nil {
			problems = append(problems, err.Error())
		}
		if c.Journal.LeaseTTL <= 0 {
			problems = append(problems, "journal lease_ttl must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", proxyrotator.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RotationPolicy returns the parsed retirement policy.
func (c *Config) RotationPolicy() proxyrotator.Policy {
	var policy, _ = proxyrotator.ParsePolicy(c.Policy)
	return policy
}

// Interval returns the rotation frequency as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Frequency * float64(time.Hour))
}

// Regions returns the configured region ids.
func (c *Config) Regions() []proxyrotator.RegionID {
	var regions = make([]proxyrotator.RegionID, len(c.RegionIDs))
	for i, id := range c.RegionIDs {
		regions[i] = proxyrotator.RegionID(id)
	}
	return regions
}

// RegionNameOverrides returns the configured datacenter names.
func (c *Config) RegionNameOverrides() map[proxyrotator.RegionID]string {
	var names = make(map[proxyrotator.RegionID]string, len(c.RegionNames))
	for id, name := range c.RegionNames {
		names[proxyrotator.RegionID(id)] = name
	}
	return names
}
