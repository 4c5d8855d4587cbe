package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/naming"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "SCG_EVENTBUS_"

// fileConfig is the on-disk shape. Pointer fields distinguish "unset" from zero values so
// that missing keys keep their defaults.
type fileConfig struct {
	ConnectionRetryCount *int    `yaml:"connectionRetryCount" json:"connectionRetryCount"`
	DefaultTopicName     *string `yaml:"defaultTopicName" json:"defaultTopicName"`
	ConnectionString     *string `yaml:"connectionString" json:"connectionString"`
	SubscriberAppName    *string `yaml:"subscriberAppName" json:"subscriberAppName"`
	EventNamePrefix      *string `yaml:"eventNamePrefix" json:"eventNamePrefix"`
	EventNameSuffix      *string `yaml:"eventNameSuffix" json:"eventNameSuffix"`
	BusType              *string `yaml:"busType" json:"busType"`
	TrimMode             *string `yaml:"trimMode" json:"trimMode"`
	ConnectTimeout       *string `yaml:"connectTimeout" json:"connectTimeout"`
	PrefetchCount        *int    `yaml:"prefetchCount" json:"prefetchCount"`
	Serializer           *string `yaml:"serializer" json:"serializer"`
}

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension %s: %w", ext, berr.ErrInvalidConfig)
	}
}

// FromYAML parses YAML on top of Default.
func FromYAML(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse yaml config: %w", err)
	}

	return fc.apply(Default())
}

// FromJSON parses JSON on top of Default.
func FromJSON(data []byte) (Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse json config: %w", err)
	}

	return fc.apply(Default())
}

// ToYAML renders c in the file format accepted by FromYAML.
func ToYAML(c Config) ([]byte, error) {
	timeout := c.ConnectTimeout.String()
	bus := c.BusType.String()
	mode := c.TrimMode.String()

	fc := fileConfig{
		ConnectionRetryCount: &c.ConnectionRetryCount,
		DefaultTopicName:     &c.DefaultTopicName,
		ConnectionString:     &c.ConnectionString,
		SubscriberAppName:    &c.SubscriberAppName,
		EventNamePrefix:      &c.EventNamePrefix,
		EventNameSuffix:      &c.EventNameSuffix,
		BusType:              &bus,
		TrimMode:             &mode,
		ConnectTimeout:       &timeout,
		PrefetchCount:        &c.PrefetchCount,
		Serializer:           &c.Serializer,
	}

	return yaml.Marshal(fc)
}

func (fc fileConfig) apply(c Config) (Config, error) {
	setInt(&c.ConnectionRetryCount, fc.ConnectionRetryCount)
	setInt(&c.PrefetchCount, fc.PrefetchCount)
	setString(&c.DefaultTopicName, fc.DefaultTopicName)
	setString(&c.ConnectionString, fc.ConnectionString)
	setString(&c.SubscriberAppName, fc.SubscriberAppName)
	setString(&c.EventNamePrefix, fc.EventNamePrefix)
	setString(&c.EventNameSuffix, fc.EventNameSuffix)
	setString(&c.Serializer, fc.Serializer)

	if fc.BusType != nil {
		t, err := ParseBusType(*fc.BusType)
		if err != nil {
			return Config{}, err
		}

		c.BusType = t
	}

	if fc.TrimMode != nil {
		m, ok := naming.ParseTrimMode(*fc.TrimMode)
		if !ok {
			return Config{}, fmt.Errorf("trim mode %q: %w", *fc.TrimMode, berr.ErrInvalidConfig)
		}

		c.TrimMode = m
	}

	if fc.ConnectTimeout != nil {
		d, err := time.ParseDuration(*fc.ConnectTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("connect timeout %q: %w", *fc.ConnectTimeout, berr.ErrInvalidConfig)
		}

		c.ConnectTimeout = d
	}

	return c, nil
}

// ApplyEnv overlays SCG_EVENTBUS_* variables found through lookup (usually os.LookupEnv).
func ApplyEnv(c Config, lookup func(string) (string, bool)) (Config, error) {
	var fc fileConfig

	str := func(name string) *string {
		if v, ok := lookup(EnvPrefix + name); ok {
			return &v
		}

		return nil
	}

	num := func(name string) (*int, error) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil, nil
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("env %s%s=%q: %w", EnvPrefix, name, v, berr.ErrInvalidConfig)
		}

		return &n, nil
	}

	var err error
	if fc.ConnectionRetryCount, err = num("CONNECTION_RETRY_COUNT"); err != nil {
		return Config{}, err
	}

	if fc.PrefetchCount, err = num("PREFETCH_COUNT"); err != nil {
		return Config{}, err
	}

	fc.DefaultTopicName = str("DEFAULT_TOPIC_NAME")
	fc.ConnectionString = str("CONNECTION_STRING")
	fc.SubscriberAppName = str("SUBSCRIBER_APP_NAME")
	fc.EventNamePrefix = str("EVENT_NAME_PREFIX")
	fc.EventNameSuffix = str("EVENT_NAME_SUFFIX")
	fc.BusType = str("BUS_TYPE")
	fc.TrimMode = str("TRIM_MODE")
	fc.ConnectTimeout = str("CONNECT_TIMEOUT")
	fc.Serializer = str("SERIALIZER")

	return fc.apply(c)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
