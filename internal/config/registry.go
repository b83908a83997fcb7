// Package config loads command settings from a file, the environment and defaults, and
// republishes them when the file changes.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/anacrolix/log"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var logger = log.Default.WithNames("config")

type Registry struct {
	v        *viper.Viper
	validate *validator.Validate

	mu          sync.Mutex
	current     Config
	subscribers []func(Config)
}

func NewRegistry() *Registry {
	v := viper.New()
	setDefaults(v.SetDefault)
	v.SetEnvPrefix("DISKIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Registry{
		v:        v,
		validate: validator.New(),
	}
}

// Loads settings. With no config file, only the environment and defaults are used.
func (r *Registry) Load(cfgFile string) (Config, error) {
	if cfgFile != "" {
		r.v.SetConfigFile(cfgFile)
		if err := r.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		logger.Levelf(log.Debug, "using config file %q", r.v.ConfigFileUsed())
	}
	return r.apply()
}

// Rereads the config file and publishes the result if it's valid.
func (r *Registry) Reload() (Config, error) {
	if err := r.v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return r.apply()
}

func (r *Registry) apply() (cfg Config, err error) {
	if err = r.v.Unmarshal(&cfg); err != nil {
		err = fmt.Errorf("unmarshalling config: %w", err)
		return
	}
	if err = r.validate.Struct(cfg); err != nil {
		err = fmt.Errorf("validating config: %w", err)
		return
	}
	r.mu.Lock()
	r.current = cfg
	subs := append(([]func(Config))(nil), r.subscribers...)
	r.mu.Unlock()
	for _, f := range subs {
		f(cfg)
	}
	return
}

// The last valid config.
func (r *Registry) Current() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Calls f with each new valid config.
func (r *Registry) Subscribe(f func(Config)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, f)
	r.mu.Unlock()
}

// Watches the config file, publishing valid changes.
func (r *Registry) Watch() {
	r.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Levelf(log.Info, "config file changed: %s", e.Name)
		if _, err := r.apply(); err != nil {
			logger.Levelf(log.Warning, "keeping previous config: %v", err)
		}
	})
	r.v.WatchConfig()
}

func (r *Registry) ConfigFile() string {
	return r.v.ConfigFileUsed()
}
