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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/replicafs/replicafs/internal/cfg"
	"github.com/replicafs/replicafs/internal/logger"
)

const inBackgroundEnvVar = "REPLICAFS_IN_BACKGROUND_MODE"

var (
	cfgFile     string
	bindErr     error
	MountConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "replicafs [flags] BACKING_STORE",
	Short: "Mount a primary/replica FUSE filesystem backed by a local directory",
	Long: `replicafs mounts a writable primary filesystem and N read-only replica
mounts over a single backing directory tree, replicating every mutation from
the primary to each replica and load-balancing reads across them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if err := viper.Unmarshal(&MountConfig); err != nil {
			return fmt.Errorf("unmarshalling config: %w", err)
		}
		backingStore, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving backing store path: %w", err)
		}
		MountConfig.BackingStore = backingStore
		if mountRoot, err := filepath.Abs(MountConfig.MountRoot); err == nil {
			MountConfig.MountRoot = mountRoot
		}
		if err := MountConfig.Validate(); err != nil {
			return err
		}
		return run(&MountConfig)
	},
}

// Execute runs the root command, exiting the process with status 1 on
// error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		bindErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		bindErr = fmt.Errorf("reading config file: %w", err)
	}
}

// run either re-execs this binary in the background with --foreground
// prepended to its arguments (daemonizing, in the teacher's own idiom) or, once already
// running in foreground mode, mounts the filesystem and blocks.
func run(c *cfg.Config) error {
	logger.SetLogFormat(c.Logging.Format)

	if !c.Foreground {
		return daemonizeSelf(c)
	}

	if err := logger.InitLogFile(c.Logging); err != nil {
		return fmt.Errorf("init log file: %w", err)
	}

	handle, err := startReplicaFS(c)
	if signalErr := daemonize.SignalOutcome(err); signalErr != nil {
		logger.Errorf("failed to signal outcome to parent process: %v", signalErr)
	}
	if err != nil {
		return err
	}
	return handle.wait()
}

func daemonizeSelf(c *cfg.Config) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
		fmt.Sprintf("%s=true", inBackgroundEnvVar),
	}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Fprintln(os.Stdout, "File system has been successfully mounted.")
	return nil
}
