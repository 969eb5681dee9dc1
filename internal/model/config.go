package model

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Verbose bool    `mapstructure:"verbose" yaml:"verbose"`
	Server  Server  `mapstructure:"server" yaml:"server"`
	State   State   `mapstructure:"state" yaml:"state"`
	Archive Archive `mapstructure:"archive" yaml:"archive"`
	Jobs    Jobs    `mapstructure:"jobs" yaml:"jobs"`
}

type Server struct {
	Listen    string `mapstructure:"listen" yaml:"listen"`
	Keepalive string `mapstructure:"keepalive" yaml:"keepalive" validate:"omitempty,duration"` // e.g. "15s", empty disables
}

// KeepaliveInterval returns the period of stream keepalive comments, zero when
// disabled.
func (s Server) KeepaliveInterval() (time.Duration, error) {
	if s.Keepalive == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Keepalive)
	if err != nil {
		return 0, fmt.Errorf("server.keepalive: %w", err)
	}
	if d < 0 {
		return 0, errors.New("server.keepalive: must not be negative")
	}
	return d, nil
}

// State says where the daemon keeps its durable state.
type State struct {
	DB     string `mapstructure:"db" yaml:"db" validate:"required"` // sqlite database path
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`           // per kind stdout logs, empty disables
}

// Archive configures where finished certificates are copied to.
type Archive struct {
	Dir        string     `mapstructure:"dir" yaml:"dir,omitempty"`
	Repository Repository `mapstructure:"repository" yaml:"repository"`
}

type Repository struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url,omitempty" validate:"required_if=Enabled true"`
}

type Jobs struct {
	Wipe         JobConfig `mapstructure:"wipe" yaml:"wipe"`
	FactoryReset JobConfig `mapstructure:"factory_reset" yaml:"factory_reset"`
}

// For returns the configuration of a job kind, ok is false when the kind has
// no command configured.
func (j Jobs) For(kind JobKind) (JobConfig, bool) {
	var cfg JobConfig
	switch kind {
	case JobKindWipe:
		cfg = j.Wipe
	case JobKindFactoryReset:
		cfg = j.FactoryReset
	default:
		return JobConfig{}, false
	}
	return cfg, cfg.Command.Path != ""
}

type JobConfig struct {
	Command CommandConfig `mapstructure:"command" yaml:"command"`
	// Certificate is a file the binary writes its result to. It is read after
	// exit when no CERTIFICATE: line was printed.
	Certificate string `mapstructure:"certificate" yaml:"certificate,omitempty"`
}

type CommandConfig struct {
	Path  string            `mapstructure:"path" yaml:"path"`
	Args  []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env   map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	Dir   string            `mapstructure:"dir" yaml:"dir,omitempty"`
	Stdin []string          `mapstructure:"stdin" yaml:"stdin,omitempty"` // lines written after the secret
}

func DefaultConfig() Config {
	return Config{
		Server: Server{
			Listen:    "127.0.0.1:5000",
			Keepalive: "15s",
		},
		State: State{
			DB:     "wiped.db",
			LogDir: ".",
		},
		Jobs: Jobs{
			Wipe: JobConfig{
				Command: CommandConfig{
					Path: "sudo",
					Args: []string{"-S", "./wiper"},
				},
			},
			FactoryReset: JobConfig{
				Command: CommandConfig{
					Path:  "sudo",
					Args:  []string{"-S", "./factoryreset"},
					Stdin: []string{"y"},
				},
			},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.keepalive", d.Server.Keepalive)
	v.SetDefault("state.db", d.State.DB)
	v.SetDefault("state.log_dir", d.State.LogDir)
	v.SetDefault("archive.dir", d.Archive.Dir)
	v.SetDefault("archive.repository.enabled", d.Archive.Repository.Enabled)
	v.SetDefault("archive.repository.url", d.Archive.Repository.URL)
	v.SetDefault("jobs.wipe.command.path", d.Jobs.Wipe.Command.Path)
	v.SetDefault("jobs.wipe.command.args", d.Jobs.Wipe.Command.Args)
	v.SetDefault("jobs.factory_reset.command.path", d.Jobs.FactoryReset.Command.Path)
	v.SetDefault("jobs.factory_reset.command.args", d.Jobs.FactoryReset.Command.Args)
	v.SetDefault("jobs.factory_reset.command.stdin", d.Jobs.FactoryReset.Command.Stdin)
}

// LoadConfig reads YAML from r on top of the defaults. Keys with defaults can be
// overridden from the environment, e.g. WIPED_SERVER_LISTEN.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("wiped")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns nil or an error wrapping ErrInvalidConfig which names every
// offending key.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return validationError(ErrInvalidConfig, err)
	}
	return nil
}

// validDuration accepts a non negative time.ParseDuration string.
func validDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func jobsRules(sl validator.StructLevel) {
	jobs := sl.Current().Interface().(Jobs)
	_, wipe := jobs.For(JobKindWipe)
	_, reset := jobs.For(JobKindFactoryReset)
	if !wipe && !reset {
		sl.ReportError(jobs.Wipe, "wipe", "Wipe", "required_without", "factory_reset")
	}
}
