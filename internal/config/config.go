// Package config loads the configuration of the runtime daemon from the environment and an
// optional runtime.yml file.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	keyRuntimePath = "runtime_path"

	keyLogLevel = "log_level"
	keyDBPath   = "db_path"

	keyChannelListenAddress = "channel.listen_address"
	keyChannelBaseURL       = "channel.base_url"

	keyDockerEnabled     = "docker.enabled"
	keyDockerHost        = "docker.host"
	keyDockerPublicHost  = "docker.public_host"
	keyDockerBindAddress = "docker.bind_address"
	keyDockerPortMin     = "docker.port_range.min"
	keyDockerPortMax     = "docker.port_range.max"

	keyStopTimeout     = "stop_timeout"
	keyStopGracePeriod = "stop_grace_period"
	keyCleanupTimeout  = "cleanup_timeout"
	keyDrainTimeout    = "drain_timeout"

	keyAutostart = "autostart"
)

// Autostart names an environment file the daemon prepares at startup.
type Autostart struct {
	WorkspaceID    string `mapstructure:"workspace_id"`
	OwnerID        string `mapstructure:"owner_id"`
	EnvName        string `mapstructure:"env_name"`
	InfraNamespace string `mapstructure:"infra_namespace"`
	Infrastructure string `mapstructure:"infrastructure"`
	File           string `mapstructure:"file"`
}

func loadEnv(v *viper.Viper) error {
	err := v.BindEnv(keyRuntimePath, "HABITAT_RUNTIME_PATH")
	if err != nil {
		return err
	}
	v.SetDefault(keyRuntimePath, "$HOME/.habitat-runtime")

	err = v.BindEnv(keyLogLevel, "HABITAT_RUNTIME_LOG_LEVEL")
	if err != nil {
		return err
	}
	err = v.BindEnv(keyDockerHost, "DOCKER_HOST")
	if err != nil {
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyChannelListenAddress, ":9091")
	v.SetDefault(keyChannelBaseURL, "ws://localhost:9091")
	v.SetDefault(keyDockerEnabled, true)
	v.SetDefault(keyDockerPublicHost, "localhost")
	v.SetDefault(keyDockerBindAddress, "0.0.0.0")
	v.SetDefault(keyDockerPortMin, 32768)
	v.SetDefault(keyDockerPortMax, 33767)
	v.SetDefault(keyStopTimeout, 30*time.Second)
	v.SetDefault(keyStopGracePeriod, 10*time.Second)
	v.SetDefault(keyCleanupTimeout, time.Minute)
	v.SetDefault(keyDrainTimeout, time.Minute)
}

func loadConfig(v *viper.Viper) (*RuntimeConfig, error) {
	v.AddConfigPath(v.GetString(keyRuntimePath))
	v.SetConfigType("yml")
	v.SetConfigName("runtime")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Debug().Msgf("no runtime.yml found in %s, using defaults", v.GetString(keyRuntimePath))
	}

	config := &RuntimeConfig{v: v}
	if config.PortRangeMin() > config.PortRangeMax() {
		return nil, errors.New("docker.port_range.min is greater than docker.port_range.max")
	}
	log.Debug().Msgf("Loaded runtime config from %s", config.RuntimePath())
	return config, nil
}

// NewRuntimeConfig reads the configuration. Environment variables win over runtime.yml, which
// wins over the defaults.
func NewRuntimeConfig() (*RuntimeConfig, error) {
	v := viper.New()
	err := loadEnv(v)
	if err != nil {
		return nil, err
	}
	setDefaults(v)
	return loadConfig(v)
}

type RuntimeConfig struct {
	v *viper.Viper
}

func (c *RuntimeConfig) RuntimePath() string {
	return os.ExpandEnv(c.v.GetString(keyRuntimePath))
}

func (c *RuntimeConfig) LogLevel() string {
	return c.v.GetString(keyLogLevel)
}

// DBPath is the sqlite database of runtime records, runtimes.db under the runtime path unless set.
func (c *RuntimeConfig) DBPath() string {
	if path := c.v.GetString(keyDBPath); path != "" {
		return os.ExpandEnv(path)
	}
	return filepath.Join(c.RuntimePath(), "runtimes.db")
}

func (c *RuntimeConfig) ChannelListenAddress() string {
	return c.v.GetString(keyChannelListenAddress)
}

// ChannelBaseURL is the websocket URL output channel URIs are allocated under.
func (c *RuntimeConfig) ChannelBaseURL() string {
	return c.v.GetString(keyChannelBaseURL)
}

func (c *RuntimeConfig) DockerEnabled() bool {
	return c.v.GetBool(keyDockerEnabled)
}

func (c *RuntimeConfig) DockerHost() string {
	return c.v.GetString(keyDockerHost)
}

func (c *RuntimeConfig) PublicHost() string {
	return c.v.GetString(keyDockerPublicHost)
}

func (c *RuntimeConfig) BindAddress() string {
	return c.v.GetString(keyDockerBindAddress)
}

func (c *RuntimeConfig) PortRangeMin() int {
	return c.v.GetInt(keyDockerPortMin)
}

func (c *RuntimeConfig) PortRangeMax() int {
	return c.v.GetInt(keyDockerPortMax)
}

func (c *RuntimeConfig) StopTimeout() time.Duration {
	return c.v.GetDuration(keyStopTimeout)
}

func (c *RuntimeConfig) StopGracePeriod() time.Duration {
	return c.v.GetDuration(keyStopGracePeriod)
}

func (c *RuntimeConfig) CleanupTimeout() time.Duration {
	return c.v.GetDuration(keyCleanupTimeout)
}

// DrainTimeout bounds how long shutdown waits for running runtimes to stop.
func (c *RuntimeConfig) DrainTimeout() time.Duration {
	return c.v.GetDuration(keyDrainTimeout)
}

// Autostart lists the runtimes to prepare at startup. Relative files are resolved against the
// runtime path.
func (c *RuntimeConfig) Autostart() ([]Autostart, error) {
	var entries []Autostart
	if err := c.v.UnmarshalKey(keyAutostart, &entries); err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].File != "" && !filepath.IsAbs(entries[i].File) {
			entries[i].File = filepath.Join(c.RuntimePath(), entries[i].File)
		}
	}
	return entries, nil
}
