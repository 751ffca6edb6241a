// Package config loads CLI flag defaults from an optional YAML file,
// following the desertwitch/mirrorshuttle pattern: a value from the file
// only applies to a flag the user did not explicitly pass on the command
// line. A syscall-heavy one-shot CLI tool has no daemon config to persist
// state in, so pinning flag defaults in a small YAML file is the
// idiomatic way to give operators a "usual settings" file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of an atomic-install config file.
type File struct {
	NoReplace  bool `yaml:"no-replace"`
	OneStep    bool `yaml:"onestep"`
	InputFiles bool `yaml:"input-files"`
	Verbose    bool `yaml:"verbose"`
}

// Load reads and strictly decodes a YAML config file. A path that cannot
// be opened, including a missing or empty one, is returned as an error;
// callers only invoke Load once a path was given.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg File
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults overwrites *dst fields with the config file's values for
// every flag name not present in explicitlySet, mirroring
// mirrorshuttle's "only fill in flags the user didn't pass" merge rule.
func ApplyDefaults(dst *Flags, cfg *File, explicitlySet map[string]bool) {
	if !explicitlySet["no-replace"] {
		dst.NoReplace = cfg.NoReplace
	}
	if !explicitlySet["onestep"] {
		dst.OneStep = cfg.OneStep
	}
	if !explicitlySet["input-files"] {
		dst.InputFiles = cfg.InputFiles
	}
	if !explicitlySet["verbose"] {
		dst.Verbose = cfg.Verbose
	}
}

// Flags is the subset of cmd/atomic-install's flags a config file may
// default, kept separate from cobra's own flag struct so this package has
// no cobra dependency.
type Flags struct {
	NoReplace  bool
	OneStep    bool
	InputFiles bool
	Verbose    bool
}
