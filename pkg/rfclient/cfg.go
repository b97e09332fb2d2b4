package rfclient

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/gizmoguy/RouteFlow/internal/discovery/fpm"
	"github.com/gizmoguy/RouteFlow/internal/flowtable"
	"github.com/gizmoguy/RouteFlow/internal/iface"
)

// RouteSource selects where route events come from.
type RouteSource string

const (
	// RouteSourceNetlink listens to the kernel's routing tables.
	RouteSourceNetlink RouteSource = "netlink"
	// RouteSourceFPM accepts a streaming feed from the routing daemon.
	RouteSourceFPM RouteSource = "fpm"
)

type Config struct {
	// Logging configuration.
	Logging LoggingConfig `yaml:"logging"`
	// Controller is the message bus endpoint of the controller.
	Controller string `yaml:"controller"`
	// RouteSource selects the route event source.
	RouteSource RouteSource `yaml:"route_source"`
	// Interfaces selects the managed interfaces.
	Interfaces *iface.Config `yaml:"interfaces"`
	// FPM configures the streaming route feed.
	FPM *fpm.Config `yaml:"fpm"`
	// Cooldown is the minimum delay between attempts on the same pending
	// route.
	Cooldown time.Duration `yaml:"cooldown"`
}

func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: zapcore.InfoLevel,
		},
		Controller:  "127.0.0.1:6999",
		RouteSource: RouteSourceNetlink,
		Interfaces:  iface.DefaultConfig(),
		FPM:         fpm.DefaultConfig(),
		Cooldown:    flowtable.DefaultCooldown,
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// LoggingConfig is the configuration for the logging subsystem.
type LoggingConfig struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}
