// Copyright 2024-2026 The comfylb Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fooldychi/comfylb/replica"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type appConfig struct {
	Replicas      []string      `mapstructure:"replicas"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	OutputNode    string        `mapstructure:"output_node"`
}

// app carries the resolved configuration and logger into subcommands.
type app struct {
	configFile string
	verbose    bool

	config appConfig
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	application := &app{}
	cmd := &cobra.Command{
		Use:           "comfyctl",
		Short:         "Inspect and drive a pool of image-generation replicas",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return application.setup()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if application.logger != nil {
				_ = application.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&application.configFile, "config", "", "config file (default: ./comfyctl.yaml)")
	cmd.PersistentFlags().BoolVarP(&application.verbose, "verbose", "v", false, "enable debug logging")
	cmd.AddCommand(newStatusCommand(application))
	cmd.AddCommand(newSubmitCommand(application))
	return cmd
}

func (a *app) setup() error {
	logger, err := a.buildLogger()
	if err != nil {
		return err
	}
	a.logger = logger

	config := viper.New()
	config.SetDefault("max_concurrent", 2)
	config.SetDefault("max_attempts", 3)
	config.SetDefault("probe_timeout", 5*time.Second)
	config.SetEnvPrefix("COMFYLB")
	config.AutomaticEnv()

	if a.configFile != "" {
		config.SetConfigFile(a.configFile)
		if err := config.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		config.SetConfigName("comfyctl")
		config.SetConfigType("yaml")
		config.AddConfigPath(".")
		config.AddConfigPath("$HOME/.config/comfyctl")
		if err := config.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	}
	if file := config.ConfigFileUsed(); file != "" {
		logger.Debug("loaded config", zap.String("file", file))
		config.OnConfigChange(func(event fsnotify.Event) {
			logger.Info("config file changed on disk, restart to apply",
				zap.String("file", event.Name))
		})
		config.WatchConfig()
	}
	if err := config.Unmarshal(&a.config); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (a *app) buildLogger() (*zap.Logger, error) {
	if a.verbose {
		return zap.NewDevelopment()
	}
	config := zap.NewProductionConfig()
	config.DisableStacktrace = true
	return config.Build()
}

func (a *app) registryFromConfig() (*replica.Registry, error) {
	if len(a.config.Replicas) == 0 {
		return nil, errors.New("no replicas configured; set replicas in the config file or COMFYLB_REPLICAS")
	}
	return replica.New(a.config.Replicas)
}
