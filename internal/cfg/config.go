// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg is the flag/config surface for replicafs, bound to cobra and
// viper the same way the teacher's config package is: one BindFlags call
// registering pflags and wiring each to a viper key.
package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Severity levels accepted by LoggingConfig.Severity.
const (
	SeverityTrace   = "TRACE"
	SeverityDebug   = "DEBUG"
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
	SeverityOff     = "OFF"
)

// Config is the full set of settings for one replicafs process: the
// bootstrap it drives constructs exactly one master and NbrSlaves slaves.
type Config struct {
	// BackingStore is the positional BACKING_STORE argument: a host
	// directory under which the master's and each slave's backing roots
	// are created as subdirectories.
	BackingStore string `yaml:"backing-store" mapstructure:"backing-store"`

	// MountRoot is the host directory under which mount points for the
	// master and each slave are created.
	MountRoot string `yaml:"mount-root" mapstructure:"mount-root"`

	// Foreground keeps the process attached to the terminal. When false,
	// the process re-executes itself in the background and the parent
	// returns once the child reports the mount outcome.
	Foreground bool `yaml:"foreground" mapstructure:"foreground"`

	// NbrSlaves is the number of read-only replicas to maintain. Must be
	// at least 1 (see DESIGN.md's Open Question decision on N=0).
	NbrSlaves int `yaml:"nbr-slaves" mapstructure:"nbr-slaves"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint on the master. Empty disables it.
	MetricsAddr string `yaml:"metrics-addr" mapstructure:"metrics-addr"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// LoggingConfig configures the internal/logger sink.
type LoggingConfig struct {
	// FilePath is the append-only log file. Empty means stderr only.
	FilePath string `yaml:"file-path" mapstructure:"file-path"`

	// Format is "text" or "json".
	Format string `yaml:"format" mapstructure:"format"`

	// Severity is one of the Severity* constants.
	Severity string `yaml:"severity" mapstructure:"severity"`

	// LogRotateConfig governs rotation of FilePath, when set.
	LogRotateConfig LogRotateConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

// LogRotateConfig mirrors the knobs lumberjack.Logger exposes.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
}

// DefaultLogRotateConfig matches the teacher's own defaults of a handful of
// generous, infrequently-rotated backups.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        false,
	}
}

// Default returns the configuration produced when no flags or config file
// override anything.
func Default() Config {
	return Config{
		MountRoot:   "/tmp/replicafs",
		Foreground:  false,
		NbrSlaves:   1,
		MetricsAddr: "",
		Logging: LoggingConfig{
			FilePath:        "replicafs.log",
			Format:          "text",
			Severity:        SeverityInfo,
			LogRotateConfig: DefaultLogRotateConfig(),
		},
	}
}

// Validate rejects configurations that bootstrap cannot act on, per
// DESIGN.md's resolution of spec.md §9's N=0 open question: N=0 is
// rejected outright rather than given fallback-to-local-read semantics.
func (c *Config) Validate() error {
	if c.BackingStore == "" {
		return fmt.Errorf("BACKING_STORE is required")
	}
	if c.NbrSlaves < 1 {
		return fmt.Errorf("nbr-slaves must be >= 1, got %d", c.NbrSlaves)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Severity {
	case SeverityTrace, SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityOff:
	default:
		return fmt.Errorf("unknown logging severity %q", c.Logging.Severity)
	}
	return nil
}

// BindFlags registers every Config field as a pflag and binds it to the
// matching viper key, in the teacher's generated-config idiom
// (cfg.BindFlags in the teacher repo).
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.BoolP("foreground", "f", false, "Run the FUSE host library in the foreground.")
	if err = viper.BindPFlag("foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.IntP("nbr-slaves", "n", 1, "Number of read-only slave mounts to maintain.")
	if err = viper.BindPFlag("nbr-slaves", flagSet.Lookup("nbr-slaves")); err != nil {
		return err
	}

	flagSet.StringP("mount-root", "", "/tmp/replicafs", "Directory under which master/slave mount points are created.")
	if err = viper.BindPFlag("mount-root", flagSet.Lookup("mount-root")); err != nil {
		return err
	}

	flagSet.StringP("metrics-addr", "", "", "Listen address for the Prometheus /metrics endpoint; empty disables it.")
	if err = viper.BindPFlag("metrics-addr", flagSet.Lookup("metrics-addr")); err != nil {
		return err
	}

	flagSet.StringP("log-path", "", "replicafs.log", "Path to the append-only log file.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-path")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", SeverityInfo, "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	return nil
}
