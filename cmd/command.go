// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/LeeDigitalWorks/zapload/pkg/env"
	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

var rootCmd = &cobra.Command{
	Use:   "zapload",
	Short: "ZapLoad - resumable file uploads",
	Long: `ZapLoad accepts chunked, resumable uploads and single-shot form uploads
and stores them in S3, MinIO, Azure Blob Storage or Google Cloud Storage.
The same binary ships the server and a command line client.`,
	PersistentPreRun: initializeLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "", "Log level (debug, info, warn, error). Overrides LOG_LEVEL")
	rootCmd.PersistentFlags().Bool("log_console", false, "Human-readable log output")
	rootCmd.PersistentFlags().String("env", "", "Environment: local, production or testing (or set ZAPLOAD_ENV)")
}

func initializeLogging(cmd *cobra.Command, args []string) {
	if e, _ := cmd.Flags().GetString("env"); e != "" {
		env.Set(e)
	}
	if lvl, _ := cmd.Flags().GetString("log_level"); lvl != "" {
		level, err := zerolog.ParseLevel(lvl)
		if err != nil {
			log.Warn().Err(err).Str("log_level", lvl).Msg("Ignoring invalid log level")
		} else {
			logger.SetLevel(level)
		}
	}
	if console, _ := cmd.Flags().GetBool("log_console"); console || env.IsLocal() {
		logger.SetConsole()
	}
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
