package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/roomir/internal/audio"
	"github.com/audiolibrelab/roomir/internal/channel"
	"github.com/audiolibrelab/roomir/internal/container"
	"github.com/audiolibrelab/roomir/internal/measure"
	"github.com/audiolibrelab/roomir/internal/sensor"
)

// DefinitionsConfig declares every channel and excitation of the rig once.
// Profiles refer to them by code and name.
type DefinitionsConfig struct {
	Inputs      []channel.Channel            `mapstructure:"inputs" yaml:"inputs"`
	Outputs     []channel.Channel            `mapstructure:"outputs" yaml:"outputs"`
	Excitations map[string]audio.SweepParams `mapstructure:"excitations" yaml:"excitations"`
}

type GlobalsConfig struct {
	Storage StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Sensor  *sensor.PortOptions `mapstructure:"sensor,omitempty" yaml:"sensor,omitempty"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Audio        *AudioConfig              `mapstructure:"audio,omitempty" yaml:"audio,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// ConfigProfile is one campaign as written in the file. Channels and
// excitations are references into the definitions.
type ConfigProfile struct {
	Name        string              `mapstructure:"name" yaml:"name"`
	Audio       AudioConfig         `mapstructure:"audio" yaml:"audio"`
	Measurement MeasurementConfig   `mapstructure:"measurement" yaml:"measurement"`
	Inputs      []string            `mapstructure:"inputs" yaml:"inputs"`
	Outputs     []string            `mapstructure:"outputs" yaml:"outputs"`
	Groups      map[string][]string `mapstructure:"groups" yaml:"groups"`
	Excitations []string            `mapstructure:"excitations" yaml:"excitations"`
	Storage     StorageConfig       `mapstructure:"storage" yaml:"storage"`
}

// Config is a resolved campaign, ready to build a setup from.
type Config struct {
	Name        string                       `mapstructure:"name" yaml:"name"`
	Audio       AudioConfig                  `mapstructure:"audio" yaml:"audio"`
	Measurement MeasurementConfig            `mapstructure:"measurement" yaml:"measurement"`
	InChannels  []channel.Channel            `mapstructure:"in_channels" yaml:"in_channels"`
	OutChannels []channel.Channel            `mapstructure:"out_channels" yaml:"out_channels"`
	Groups      map[string][]string          `mapstructure:"groups" yaml:"groups,omitempty"`
	Excitations map[string]audio.SweepParams `mapstructure:"excitations" yaml:"excitations"`
	Storage     StorageConfig                `mapstructure:"storage" yaml:"storage"`
	Sensor      *sensor.PortOptions          `mapstructure:"sensor" yaml:"sensor,omitempty"`

	// Internal field to track inheritance information for config show
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

const (
	Inherited       = "inherited"
	ProfileSpecific = "profile-specific"
)

// InheritanceInfo records, per setting, whether the value came from the
// selected profile or from the default profile.
type InheritanceInfo struct {
	Fields map[string]string
}

// Source returns "inherited" or "profile-specific" for a setting key.
func (i *InheritanceInfo) Source(key string) string {
	if i == nil {
		return ProfileSpecific
	}
	if s, ok := i.Fields[key]; ok {
		return s
	}
	return ProfileSpecific
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Backend    string `mapstructure:"backend" yaml:"backend"` // "pipewire", "auto"
	Device     []int  `mapstructure:"device" yaml:"device"`   // [in] or [in, out]
}

type MeasurementConfig struct {
	FreqMin             float64       `mapstructure:"freq_min" yaml:"freq_min"`
	FreqMax             float64       `mapstructure:"freq_max" yaml:"freq_max"`
	Averages            int           `mapstructure:"averages" yaml:"averages"`
	PauseForAverage     bool          `mapstructure:"pause_for_average" yaml:"pause_for_average"`
	NoiseFloorDuration  time.Duration `mapstructure:"noise_floor_duration" yaml:"noise_floor_duration"`
	CalibrationDuration time.Duration `mapstructure:"calibration_duration" yaml:"calibration_duration"`
}

type StorageConfig struct {
	Root   string `mapstructure:"root" yaml:"root"`
	Format string `mapstructure:"format" yaml:"format"` // "yaml", "sqlite"
}

var defaultConfig = Config{
	Audio: AudioConfig{
		SampleRate: 48000,
		Backend:    "auto",
	},
	Measurement: MeasurementConfig{
		FreqMin:             20,
		FreqMax:             20000,
		Averages:            1,
		NoiseFloorDuration:  10 * time.Second,
		CalibrationDuration: 5 * time.Second,
	},
	Storage: StorageConfig{
		Root:   ".",
		Format: "yaml",
	},
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(configName, selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base, err := convertProfileToConfig("default", defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(base, selectedConfig)
		}
	}

	// Global audio settings fill whatever the profiles left unset
	if rootConfig.Audio != nil {
		if selectedConfig.Audio.Backend == "" {
			selectedConfig.Audio.Backend = rootConfig.Audio.Backend
		}
		if selectedConfig.Audio.SampleRate == 0 {
			selectedConfig.Audio.SampleRate = rootConfig.Audio.SampleRate
		}
		if len(selectedConfig.Audio.Device) == 0 {
			selectedConfig.Audio.Device = rootConfig.Audio.Device
		}
	}

	// Global storage root takes priority over profile-specific roots
	if rootConfig.Globals != nil {
		if rootConfig.Globals.Storage.Root != "" {
			selectedConfig.Storage.Root = rootConfig.Globals.Storage.Root
		}
		if selectedConfig.Storage.Format == "" {
			selectedConfig.Storage.Format = rootConfig.Globals.Storage.Format
		}
		selectedConfig.Sensor = rootConfig.Globals.Sensor
	}

	applyDefaults(selectedConfig)
	selectedConfig.Storage.Root = expandPath(selectedConfig.Storage.Root)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ProfileNames returns the profile names declared in the file, sorted.
func (r *RootConfig) ProfileNames() []string {
	names := make([]string, 0, len(r.Configs))
	for name := range r.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving
// channel and excitation references
func convertProfileToConfig(profileName string, profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}
	if definitions == nil {
		return nil, fmt.Errorf("definitions section is required")
	}

	config := &Config{
		Name:        profile.Name,
		Audio:       profile.Audio,
		Measurement: profile.Measurement,
		Groups:      profile.Groups,
		Storage:     profile.Storage,
	}
	if config.Name == "" {
		config.Name = profileName
	}

	for i, ref := range profile.Inputs {
		ch, ok := findDefinition(definitions.Inputs, ref)
		if !ok {
			return nil, fmt.Errorf("inputs[%d]: reference '%s' not found in definitions", i, ref)
		}
		config.InChannels = append(config.InChannels, ch)
	}
	for i, ref := range profile.Outputs {
		ch, ok := findDefinition(definitions.Outputs, ref)
		if !ok {
			return nil, fmt.Errorf("outputs[%d]: reference '%s' not found in definitions", i, ref)
		}
		config.OutChannels = append(config.OutChannels, ch)
	}

	if len(profile.Excitations) > 0 {
		config.Excitations = make(map[string]audio.SweepParams, len(profile.Excitations))
	}
	for i, name := range profile.Excitations {
		p, ok := definitions.Excitations[name]
		if !ok {
			return nil, fmt.Errorf("excitations[%d]: reference '%s' not found in definitions", i, name)
		}
		config.Excitations[name] = p
	}

	return config, nil
}

// findDefinition resolves a reference by code first, then by name.
func findDefinition(defs []channel.Channel, ref string) (channel.Channel, bool) {
	for _, def := range defs {
		if def.Code == ref {
			return def, true
		}
	}
	for _, def := range defs {
		if def.Name == ref {
			return def, true
		}
	}
	return channel.Channel{}, false
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Channels, groups and excitations: the profile's selection wins whenever
//   it lists any, otherwise the default's is used
// - For all other settings, use profile value or fallback to default
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{Fields: map[string]string{}}
	inherit := func(key string) { result.Inheritance.Fields[key] = Inherited }
	own := func(key string) { result.Inheritance.Fields[key] = ProfileSpecific }

	if base != nil {
		*result = *base
		result.Inheritance = &InheritanceInfo{Fields: map[string]string{}}
		for _, key := range []string{
			"audio.sample_rate", "audio.backend", "audio.device",
			"measurement.freq_min", "measurement.freq_max", "measurement.averages",
			"measurement.noise_floor_duration", "measurement.calibration_duration",
			"in_channels", "out_channels", "groups", "excitations",
			"storage.root", "storage.format",
		} {
			inherit(key)
		}
	}

	if profile == nil {
		return result
	}

	result.Name = profile.Name
	own("name")

	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
		own("audio.sample_rate")
	}
	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
		own("audio.backend")
	}
	if len(profile.Audio.Device) > 0 {
		result.Audio.Device = profile.Audio.Device
		own("audio.device")
	}

	m := profile.Measurement
	if m.FreqMin != 0 {
		result.Measurement.FreqMin = m.FreqMin
		own("measurement.freq_min")
	}
	if m.FreqMax != 0 {
		result.Measurement.FreqMax = m.FreqMax
		own("measurement.freq_max")
	}
	if m.Averages != 0 {
		result.Measurement.Averages = m.Averages
		own("measurement.averages")
	}
	if m.NoiseFloorDuration != 0 {
		result.Measurement.NoiseFloorDuration = m.NoiseFloorDuration
		own("measurement.noise_floor_duration")
	}
	if m.CalibrationDuration != 0 {
		result.Measurement.CalibrationDuration = m.CalibrationDuration
		own("measurement.calibration_duration")
	}
	// PauseForAverage: profile value always takes precedence if the profile is loaded
	result.Measurement.PauseForAverage = m.PauseForAverage
	own("measurement.pause_for_average")

	if len(profile.InChannels) > 0 {
		result.InChannels = profile.InChannels
		own("in_channels")
		// Groups only make sense for the roster they were declared with
		result.Groups = profile.Groups
		own("groups")
	} else if len(profile.Groups) > 0 {
		result.Groups = profile.Groups
		own("groups")
	}
	if len(profile.OutChannels) > 0 {
		result.OutChannels = profile.OutChannels
		own("out_channels")
	}
	if len(profile.Excitations) > 0 {
		result.Excitations = profile.Excitations
		own("excitations")
	}

	if profile.Storage.Root != "" {
		result.Storage.Root = profile.Storage.Root
		own("storage.root")
	}
	if profile.Storage.Format != "" {
		result.Storage.Format = profile.Storage.Format
		own("storage.format")
	}

	return result
}

func applyDefaults(c *Config) {
	d := defaultConfig
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.Backend == "" {
		c.Audio.Backend = d.Audio.Backend
	}
	if c.Measurement.FreqMax == 0 {
		c.Measurement.FreqMin = d.Measurement.FreqMin
		c.Measurement.FreqMax = d.Measurement.FreqMax
	}
	if c.Measurement.Averages == 0 {
		c.Measurement.Averages = d.Measurement.Averages
	}
	if c.Measurement.NoiseFloorDuration == 0 {
		c.Measurement.NoiseFloorDuration = d.Measurement.NoiseFloorDuration
	}
	if c.Measurement.CalibrationDuration == 0 {
		c.Measurement.CalibrationDuration = d.Measurement.CalibrationDuration
	}
	if c.Storage.Root == "" {
		c.Storage.Root = d.Storage.Root
	}
	if c.Storage.Format == "" {
		c.Storage.Format = d.Storage.Format
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// Set environment variable prefix
	v.SetEnvPrefix("ROOMIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section cannot be empty")
	}
	for _, configName := range rootConfig.ProfileNames() {
		if err := validateProfileReferences(rootConfig.Configs[configName], rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	if rootConfig.Globals != nil {
		if err := validateStorage(rootConfig.Globals.Storage, "globals.storage"); err != nil {
			return nil, err
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Inputs) == 0 {
		return fmt.Errorf("definitions.inputs cannot be empty")
	}
	if err := validateChannelDefinitions(definitions.Inputs, "definitions.inputs"); err != nil {
		return err
	}
	if err := validateChannelDefinitions(definitions.Outputs, "definitions.outputs"); err != nil {
		return err
	}

	for name, p := range definitions.Excitations {
		prefix := fmt.Sprintf("definitions.excitations.%s", name)
		if p.Duration <= 0 {
			return fmt.Errorf("%s: 'duration' must be > 0", prefix)
		}
		if p.FreqMin < 0 || (p.FreqMax != 0 && p.FreqMin >= p.FreqMax) {
			return fmt.Errorf("%s: need 0 <= freq_min < freq_max, got %g and %g", prefix, p.FreqMin, p.FreqMax)
		}
		if p.Amplitude < 0 || p.Amplitude > 1 {
			return fmt.Errorf("%s: 'amplitude' must be within [0, 1], got %g", prefix, p.Amplitude)
		}
	}

	return nil
}

// validateChannelDefinitions validates a channel definition list
func validateChannelDefinitions(defs []channel.Channel, prefix string) error {
	seenNumbers := make(map[int]bool)
	seenCodes := make(map[string]bool)

	for i, def := range defs {
		p := fmt.Sprintf("%s[%d]", prefix, i)
		if def.Number <= 0 {
			return fmt.Errorf("%s: 'number' must be > 0, got %d", p, def.Number)
		}
		if def.Code == "" {
			return fmt.Errorf("%s: 'code' is required", p)
		}
		if def.Name == "" {
			return fmt.Errorf("%s: 'name' is required", p)
		}
		if seenNumbers[def.Number] {
			return fmt.Errorf("%s: duplicate number %d", p, def.Number)
		}
		if seenCodes[def.Code] {
			return fmt.Errorf("%s: duplicate code '%s'", p, def.Code)
		}
		seenNumbers[def.Number] = true
		seenCodes[def.Code] = true
	}

	return nil
}

// validateProfileReferences validates the references of a config profile
func validateProfileReferences(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if profile == nil {
		return fmt.Errorf("profile is empty")
	}
	for i, ref := range profile.Inputs {
		if _, ok := findDefinition(definitions.Inputs, ref); !ok {
			return fmt.Errorf("inputs[%d]: references undefined input '%s'", i, ref)
		}
	}
	for i, ref := range profile.Outputs {
		if _, ok := findDefinition(definitions.Outputs, ref); !ok {
			return fmt.Errorf("outputs[%d]: references undefined output '%s'", i, ref)
		}
	}
	for i, name := range profile.Excitations {
		if _, ok := definitions.Excitations[name]; !ok {
			return fmt.Errorf("excitations[%d]: references undefined excitation '%s'", i, name)
		}
	}
	for group, members := range profile.Groups {
		if len(members) == 0 {
			return fmt.Errorf("groups.%s: must list at least one input", group)
		}
		for j, ref := range members {
			if _, ok := findDefinition(definitions.Inputs, ref); !ok {
				return fmt.Errorf("groups.%s[%d]: references undefined input '%s'", group, j, ref)
			}
		}
	}
	if profile.Measurement.Averages < 0 {
		return fmt.Errorf("measurement.averages must be >= 0, got %d", profile.Measurement.Averages)
	}
	return validateStorage(profile.Storage, "storage")
}

func validateStorage(s StorageConfig, prefix string) error {
	switch s.Format {
	case "", "yaml", "sqlite":
		return nil
	}
	return fmt.Errorf("%s.format must be 'yaml' or 'sqlite', got: %s", prefix, s.Format)
}

// validateConfig checks the resolved campaign for what the setup needs
func validateConfig(c *Config) error {
	if c.Name == "" {
		return fmt.Errorf("campaign name is required")
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("campaign name '%s' must not contain path separators", c.Name)
	}
	if len(c.InChannels) == 0 {
		return fmt.Errorf("campaign '%s' must select at least one input", c.Name)
	}
	if len(c.Audio.Device) == 0 {
		return fmt.Errorf("campaign '%s' must set audio.device", c.Name)
	}
	if !audio.SupportedBackend(c.Audio.Backend) {
		return fmt.Errorf("campaign '%s' uses unsupported audio backend '%s'", c.Name, c.Audio.Backend)
	}
	for group, members := range c.Groups {
		for _, ref := range members {
			if _, ok := findDefinition(c.InChannels, ref); !ok {
				return fmt.Errorf("group '%s' member '%s' is not one of the campaign inputs", group, ref)
			}
		}
	}
	return validateStorage(c.Storage, "storage")
}

// Setup builds the measurement setup, generating every excitation sweep at
// the campaign sampling rate. Sweeps without their own band use the
// campaign's.
func (c *Config) Setup() (*measure.Setup, error) {
	in, err := channel.NewList(channel.KindIn, c.InChannels...)
	if err != nil {
		return nil, fmt.Errorf("building input roster: %w", err)
	}
	if len(c.Groups) > 0 {
		groups := make(map[string][]int, len(c.Groups))
		for name, members := range c.Groups {
			for _, ref := range members {
				ch, err := in.Lookup(channel.Text(ref))
				if err != nil {
					return nil, fmt.Errorf("group %s: %w", name, err)
				}
				groups[name] = append(groups[name], ch.Number)
			}
		}
		if err := in.SetGroups(groups); err != nil {
			return nil, err
		}
	}
	out, err := channel.NewList(channel.KindOut, c.OutChannels...)
	if err != nil {
		return nil, fmt.Errorf("building output roster: %w", err)
	}

	excitations := make(map[string]*audio.Signal, len(c.Excitations))
	for name, p := range c.Excitations {
		p.SamplingRate = c.Audio.SampleRate
		if p.FreqMin == 0 {
			p.FreqMin = c.Measurement.FreqMin
		}
		if p.FreqMax == 0 {
			p.FreqMax = c.Measurement.FreqMax
		}
		sig, err := audio.NewSweep(p)
		if err != nil {
			return nil, fmt.Errorf("excitation %s: %w", name, err)
		}
		excitations[name] = sig
	}

	return measure.NewSetup(measure.SetupParams{
		Name:                c.Name,
		SamplingRate:        c.Audio.SampleRate,
		Device:              c.Audio.Device,
		FreqMin:             c.Measurement.FreqMin,
		FreqMax:             c.Measurement.FreqMax,
		Averages:            c.Measurement.Averages,
		PauseForAverage:     c.Measurement.PauseForAverage,
		NoiseFloorDuration:  c.Measurement.NoiseFloorDuration,
		CalibrationDuration: c.Measurement.CalibrationDuration,
		Excitations:         excitations,
		InChannels:          in,
		OutChannels:         out,
	})
}

// CampaignDir is the directory holding the campaign files.
func (c *Config) CampaignDir() string {
	return filepath.Join(c.Storage.Root, c.Name)
}

// Backend returns the container backend for the campaign directory.
func (c *Config) Backend() (container.Backend, error) {
	switch c.Storage.Format {
	case "", "yaml":
		return container.NewDir(c.CampaignDir()), nil
	case "sqlite":
		return container.NewSQLite(c.CampaignDir()), nil
	}
	return nil, fmt.Errorf("unknown storage format %q", c.Storage.Format)
}
