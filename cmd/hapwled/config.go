package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hapwled"
)

var (
	// matches whole line comments in config file
	CONFIG_COMMENTS_RE = regexp.MustCompile(`(?m)^\s*//.*$`)

	// for MQTT server URI validation
	SERVER_URL_RE = regexp.MustCompile(`^[a-z]+://.*:[0-9]{1,5}$`)
)

// A time.Duration written as a string, e.g. "5s"
type duration struct{ time.Duration }

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *duration) parse(s string) (err error) {
	d.Duration, err = time.ParseDuration(s)
	return
}

type discoveryConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	PresetsNb int    `json:"presetsNb" yaml:"presetsNb"`
	Service   string `json:"service" yaml:"service"`
	Domain    string `json:"domain" yaml:"domain"`
}

type mqttConfig struct {
	Server   string `json:"server" yaml:"server"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	TopicPrefix string `json:"topicPrefix" yaml:"topicPrefix"`
}

// config struct
type config struct {
	ListenAddr string   `json:"listenAddr" yaml:"listenAddr"`
	Interfaces []string `json:"interfaces" yaml:"interfaces"`

	Pin string `json:"pin" yaml:"pin"`

	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`

	RequestTimeout   duration `json:"requestTimeout" yaml:"requestTimeout"`
	ProbeConcurrency int      `json:"probeConcurrency" yaml:"probeConcurrency"`

	Wleds     []hapwled.Device `json:"wleds" yaml:"wleds"`
	Discovery discoveryConfig  `json:"discovery" yaml:"discovery"`
	MQTT      mqttConfig       `json:"mqtt" yaml:"mqtt"`
}

func parseConfig(fname string) (*config, error) {
	cfgStr, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(fname)) {
	case ".yaml", ".yml":
		return parseConfigYAML(cfgStr)
	}
	return parseConfigJSON(cfgStr)
}

func defaultConfig() *config {
	return &config{
		RequestTimeout: duration{hapwled.WLED_REQUEST_TIMEOUT},
		Discovery: discoveryConfig{
			Service: hapwled.WLED_MDNS_SERVICE,
			Domain:  hapwled.WLED_MDNS_DOMAIN,
		},
		MQTT: mqttConfig{TopicPrefix: hapwled.MQTT_TOPIC_PREFIX},
	}
}

func parseConfigJSON(cfgStr []byte) (*config, error) {
	// remove line comments, json.Unmarshal can't parse them
	cfgStr = CONFIG_COMMENTS_RE.ReplaceAllLiteral(cfgStr, []byte{})

	cfg := defaultConfig()
	if err := json.Unmarshal(cfgStr, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func parseConfigYAML(cfgStr []byte) (*config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(cfgStr, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

// sanity check, filling in defaults where values are optional
func (cfg *config) validate() error {
	for i := range cfg.Wleds {
		dev := &cfg.Wleds[i]
		if dev.Address == "" {
			return fmt.Errorf("wleds[%d]: ip not specified", i)
		}
		if dev.PresetCount < 0 {
			return fmt.Errorf("wleds[%d]: presetsNb must not be negative", i)
		}
		if dev.DisplayName == "" {
			dev.DisplayName = dev.Address
		}
	}

	if cfg.Discovery.PresetsNb < 0 {
		return fmt.Errorf("discovery: presetsNb must not be negative")
	}

	if len(cfg.Wleds) == 0 && !cfg.Discovery.Enabled {
		return fmt.Errorf("no WLED devices configured and discovery is disabled")
	}

	if cfg.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("invalid requestTimeout: must be positive")
	}

	if cfg.ProbeConcurrency < 0 {
		return fmt.Errorf("invalid probeConcurrency: must not be negative")
	}

	// validate ListenAddr if specified
	if cfg.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
			return fmt.Errorf("invalid ListenAddr: %w", err)
		}
	}

	if cfg.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.HTTPAddr); err != nil {
			return fmt.Errorf("invalid HTTPAddr: %w", err)
		}
	}

	if cfg.MQTT.Server != "" {
		if !SERVER_URL_RE.MatchString(cfg.MQTT.Server) {
			return fmt.Errorf("invalid MQTT server: needs to be in URL format with port")
		}

		// TopicPrefix must end in a /
		if !strings.HasSuffix(cfg.MQTT.TopicPrefix, "/") {
			return fmt.Errorf("invalid TopicPrefix: must end with a /")
		}
	}

	return nil
}
