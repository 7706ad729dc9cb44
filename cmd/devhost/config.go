package main

import (
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// config is the devhost YAML file. Every field has a working default, so an
// empty file (or none at all) plus a -module flag is a complete setup.
type config struct {
	Module string `yaml:"module"`

	Build struct {
		Command    string   `yaml:"command"`
		Dir        string   `yaml:"dir"`
		Watch      []string `yaml:"watch"`
		DebounceMS int      `yaml:"debounce_ms"`
	} `yaml:"build"`

	Extract struct {
		TimeoutMS int    `yaml:"timeout_ms"`
		Cache     bool   `yaml:"cache"`
		Probe     string `yaml:"probe"`
	} `yaml:"extract"`

	Audio struct {
		SampleRate  float64 `yaml:"sample_rate"`
		BlockFrames int     `yaml:"block_frames"`
		Channels    int     `yaml:"channels"`
	} `yaml:"audio"`

	Control struct {
		Listen string `yaml:"listen"`
	} `yaml:"control"`

	LegacyV1 bool `yaml:"legacy_v1"`
}

func defaultConfig() config {
	var c config
	c.Build.Dir = "."
	c.Build.DebounceMS = 150
	c.Extract.TimeoutMS = 5000
	c.Extract.Cache = true
	c.Audio.SampleRate = 48000
	c.Audio.BlockFrames = 256
	c.Audio.Channels = 2
	c.Control.Listen = "unix:/tmp/devhost.sock"
	return c
}

// loadConfig reads filename over the defaults. Absent keys keep their
// default; an empty filename means defaults only.
func loadConfig(filename string) (config, error) {
	c := defaultConfig()
	if filename == "" {
		return c, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}

func (c config) debounce() time.Duration {
	return time.Duration(c.Build.DebounceMS) * time.Millisecond
}

func (c config) extractTimeout() time.Duration {
	return time.Duration(c.Extract.TimeoutMS) * time.Millisecond
}

func (c config) blockPeriod() time.Duration {
	return time.Duration(float64(c.Audio.BlockFrames) / c.Audio.SampleRate * float64(time.Second))
}

// shellCommand wraps the configured build command line in the platform
// shell, keeping &&, redirects, and variables working the way they do in
// the plugin project's own terminal.
func shellCommand(command string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/c", command}
	}
	return []string{"/bin/sh", "-c", command}
}
