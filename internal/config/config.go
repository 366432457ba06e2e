package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/gantryio/gantry/internal/util"

	"gopkg.in/yaml.v2"
)

// AppDeclaration describes an application that should be registered at startup
type AppDeclaration struct {
	Name   string `yaml:"name"`
	GitURL string `yaml:"giturl" validate:"required"`
}

// Config is the main configuration struct
type Config struct {
	WorkDir              string           `yaml:"workdir" validate:"required"`
	Host                 string           `yaml:"host" validate:"required,hostname|ip"`
	HTTPport             int              `yaml:"httpport" validate:"gt=0,lte=65535"`
	PortRangeStart       int              `yaml:"portrangestart" validate:"gt=0,lte=65535"`
	PortRangeEnd         int              `yaml:"portrangeend" validate:"gtefield=PortRangeStart,lte=65535"`
	ReadinessTimeoutSecs int              `yaml:"readinesstimeoutsecs" validate:"gt=0"`
	ShutdownGraceSecs    int              `yaml:"shutdowngracesecs" validate:"gt=0"`
	InstanceKeepCount    int              `yaml:"instancekeepcount" validate:"gte=0"`
	Apps                 []AppDeclaration `yaml:"apps" validate:"dive"`
	Version              *semver.Version  `yaml:"-"`
}

var config = Config{
	WorkDir:              "/opt/gantry/",
	Host:                 "localhost",
	HTTPport:             8080,
	PortRangeStart:       41000,
	PortRangeEnd:         42000,
	ReadinessTimeoutSecs: 120,
	ShutdownGraceSecs:    10,
	InstanceKeepCount:    3,
}

var log = util.GetLogger("config")

// Load reads the configuration from a file and maps it to the config struct
func Load(configFile string, version *semver.Version) (*Config, error) {
	log.Info("Reading main config [", configFile, "]")
	filename, _ := filepath.Abs(configFile)
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		if strings.Contains(err.Error(), "no such file or directory") {
			log.Info("No config file found, using default config values")
		} else {
			return nil, errors.Wrap(err, "Failed to load gantry config file")
		}
	}

	err = yaml.Unmarshal(yamlFile, &config)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse gantry config file")
	}
	config.Version = version

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, errors.Wrap(err, "Invalid gantry configuration")
	}

	return &config, nil
}

// Get returns a pointer to the global config structure
func Get() *Config {
	return &config
}
