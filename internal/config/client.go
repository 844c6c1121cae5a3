package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"slide-lite/internal/slide"
)

type Timing struct {
	LoginTimeout        time.Duration `yaml:"loginTimeout"`
	KeepAliveInterval   time.Duration `yaml:"keepAliveInterval"`
	InactivityThreshold time.Duration `yaml:"inactivityThreshold"`
	PlaybackTick        time.Duration `yaml:"playbackTick"`
	PlaybackHorizon     int           `yaml:"playbackHorizon"`
}

type ClientConfig struct {
	Server     string `yaml:"server"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
	Timing     Timing `yaml:"timing"`
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		Server: "http://localhost:3000",
		Timing: Timing{
			LoginTimeout:        slide.DefaultLoginTimeout,
			KeepAliveInterval:   slide.DefaultKeepAliveInterval,
			InactivityThreshold: slide.DefaultInactivityThreshold,
			PlaybackTick:        slide.DefaultPlaybackTick,
			PlaybackHorizon:     slide.DefaultPlaybackHorizon,
		},
	}
}

func LoadClientConfig() (ClientConfig, error) {
	return LoadClientConfigFromEnv(osEnv{})
}

// LoadClientConfigFromEnv reads the YAML file named by SLIDE_CONFIG, if any,
// then applies SLIDE_SERVER, SLIDE_USERNAME and SLIDE_CREDENTIAL.
func LoadClientConfigFromEnv(env Env) (ClientConfig, error) {
	cfg := defaultClientConfig()

	if path := env.Getenv("SLIDE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("read SLIDE_CONFIG: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return ClientConfig{}, fmt.Errorf("parse SLIDE_CONFIG: %w", err)
		}
	}

	if raw := env.Getenv("SLIDE_SERVER"); raw != "" {
		cfg.Server = raw
	}
	if raw := env.Getenv("SLIDE_USERNAME"); raw != "" {
		cfg.Username = raw
	}
	if raw := env.Getenv("SLIDE_CREDENTIAL"); raw != "" {
		cfg.Credential = raw
	}

	if cfg.Server == "" {
		return ClientConfig{}, fmt.Errorf("server is required")
	}
	t := cfg.Timing
	if t.LoginTimeout <= 0 || t.KeepAliveInterval <= 0 || t.InactivityThreshold <= 0 || t.PlaybackTick <= 0 || t.PlaybackHorizon <= 0 {
		return ClientConfig{}, fmt.Errorf("invalid timing")
	}
	return cfg, nil
}

// SessionOptions maps the file settings onto a session.
func (c ClientConfig) SessionOptions() slide.Options {
	return slide.Options{
		ServerURL:           c.Server,
		LoginTimeout:        c.Timing.LoginTimeout,
		KeepAliveInterval:   c.Timing.KeepAliveInterval,
		InactivityThreshold: c.Timing.InactivityThreshold,
		PlaybackTick:        c.Timing.PlaybackTick,
		PlaybackHorizon:     c.Timing.PlaybackHorizon,
	}
}
