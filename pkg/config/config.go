package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir    string = ".rttview"
	configDirXDG string = "rttview"
	configFile   string = "config.yml"
	historyFile  string = ".rttview_history"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Backend is the probe transport: gdb, openocd or sim.
	Backend string `yaml:"backend,omitempty"`
	// Address of the GDB stub or OpenOCD telnet server.
	Address string `yaml:"address,omitempty"`
	// Arch selects the register alias table.
	Arch string `yaml:"arch,omitempty"`

	// SearchBase is the first address scanned for the control block.
	SearchBase *uint32 `yaml:"search-base,omitempty"`
	// SearchBlockSize is the number of bytes read per scan step.
	SearchBlockSize *uint32 `yaml:"search-block-size,omitempty"`
	// SearchMaxBlocks is the number of scan steps.
	SearchMaxBlocks *int `yaml:"search-max-blocks,omitempty"`
	// StrictSearch skips matches with implausible buffer counts.
	StrictSearch bool `yaml:"strict-search"`

	UpChannel   int `yaml:"up-channel"`
	DownChannel int `yaml:"down-channel"`

	// PollInterval is the period of the monitor loop, as parsed by
	// time.ParseDuration.
	PollInterval string `yaml:"poll-interval,omitempty"`
	// HaltOnAccess halts the target around memory accesses. Unset means
	// on for openocd and off for other backends.
	HaltOnAccess *bool `yaml:"halt-on-access,omitempty"`
	// LineEnding is appended by the console send command.
	LineEnding *string `yaml:"line-ending,omitempty"`

	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
}

// Poll returns PollInterval as a duration, def when it is unset.
func (c *Config) Poll(def time.Duration) (time.Duration, error) {
	if c.PollInterval == "" {
		return def, nil
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("poll-interval: %v", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll-interval: must be positive, got %v", d)
	}
	return d, nil
}

// HaltAround reports whether memory accesses should be bracketed by a halt
// and a resume on backend.
func (c *Config) HaltAround(backend string) bool {
	if c.HaltOnAccess != nil {
		return *c.HaltOnAccess
	}
	return backend == "openocd"
}

// Newline returns the line ending used by the console send command.
func (c *Config) Newline() string {
	if c.LineEnding == nil {
		return "\n"
	}
	return *c.LineEnding
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return parse(f)
}

func parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for rttview.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item. Command line flags take
# precedence over values set here.

# Probe backend: gdb, openocd or sim.
# backend: gdb

# Address of the GDB stub (OpenOCD and pyOCD use :3333, the J-Link GDB
# Server :2331) or of the OpenOCD telnet server (:4444).
# address: localhost:3333

# Register table used by halt/resume/regs: cortex-m or riscv.
# arch: cortex-m

# Control block search: search-max-blocks reads of search-block-size bytes
# starting at search-base.
# search-base: 0x20000000
# search-block-size: 1024
# search-max-blocks: 256

# Skip matches whose buffer counts are outside 1..16 and keep scanning.
# strict-search: true

# Descriptor index of the Up and Down buffers to use.
# up-channel: 0
# down-channel: 0

# Period of the polling loop.
# poll-interval: 10ms

# Halt the target around every memory access. Defaults to true for the
# openocd backend and false otherwise.
# halt-on-access: true

# Appended by the console send command unless -n is given.
# line-ending: "\r\n"

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// $XDG_CONFIG_HOME/rttview is used when XDG_CONFIG_HOME is set,
// ~/.rttview otherwise.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return path.Join(xdg, configDirXDG, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}

// HistoryFilePath returns the path of the console history file.
func HistoryFilePath() (string, error) {
	return GetConfigFilePath(historyFile)
}
