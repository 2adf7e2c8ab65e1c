// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/Zeecka/AperiSolve/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	cliStyle string // output style override (full/minimal/machine)

	serveWithWorker bool

	submitEndpoint string
	submitPassword string
	submitDeep     bool
	submitWait     bool

	rootCmd = &cobra.Command{
		Use:   "aperisolve",
		Short: "A cli to manage the Aperi'Solve steganography analysis platform",
		Long: `Aperi'Solve analyzes uploaded images with a battery of
				steganography tools and aggregates their output.`,
		SilenceUsage:  true,
		SilenceErrors: true, // main renders the error through ux
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX style from flag or environment
			if cliStyle != "" {
				ux.SetStyle(ux.ParseStyle(cliStyle))
			} else {
				ux.Init()
			}
		},
	}

	// --- Services ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the web front-end (uploads, results, removal)",
		Long: `Serves uploads, status, results and removal over HTTP and runs
				the retention sweeper. The registry database is embedded and
				single-process, so the standard single-host deployment is
				serve --with-worker, which consumes the job queue in the same
				process.`,
		RunE: runServe, // Defined in cmd_serve.go
	}
	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone analysis worker consuming the job queue",
		RunE:  runWorker, // Defined in cmd_serve.go
	}

	// --- Maintenance ---
	initIHDRCmd = &cobra.Command{
		Use:   "init-ihdr",
		Short: "Populate the persistent IHDR CRC lookup table",
		Long: `Generates every plausible PNG header (resolution x depth x
				color type x interlace), indexes it by CRC and writes the
				table into the registry database. Run once before starting
				workers; rerunning rewrites the same keys.`,
		RunE: runInitIHDR, // Defined in cmd_admin.go
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stuck submissions and expired images once",
		RunE:  runSweep, // Defined in cmd_admin.go
	}

	// --- Client ---
	submitCmd = &cobra.Command{
		Use:   "submit [image]",
		Short: "Upload an image to a running Aperi'Solve instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit, // Defined in cmd_submit.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the project version",
		RunE:  runVersion, // Defined in cmd_admin.go
	}
)

// init runs when the Go program starts
func init() {
	// Global UX style flag
	rootCmd.PersistentFlags().StringVar(&cliStyle, "style", "",
		"Output style: full (default), minimal, or machine (scripting)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false,
		"Also consume the job queue in this process")
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(initIHDRCmd)
	rootCmd.AddCommand(sweepCmd)

	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitEndpoint, "endpoint", "http://localhost:5000",
		"Base URL of the Aperi'Solve instance to upload to")
	submitCmd.Flags().StringVarP(&submitPassword, "password", "p", "",
		"Password forwarded to the password-based tools (steghide, outguess, openstego)")
	submitCmd.Flags().BoolVar(&submitDeep, "deep", false,
		"Request deep analysis (includes the slower tools)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false,
		"Poll until the analysis completes and print the results")

	rootCmd.AddCommand(versionCmd)
}
