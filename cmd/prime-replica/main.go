// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main implements the prime-replica CLI.
//
// Usage:
//
//	prime-replica init    Write a new replica.yaml and generate a keypair
//	prime-replica keygen   Rotate the replica's RSA keypair
//	prime-replica serve    Run the replica's event loop
//	prime-replica status   Query a running replica's /metrics endpoint
//	prime-replica reset    Wipe local replica state (destructive!)
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the flags that apply regardless of subcommand.
type GlobalFlags struct {
	ConfigPath string
	NoColor    bool
	Verbose    bool
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "replica.yaml", "Path to replica.yaml")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.BoolP("verbose", "v", false, "Enable debug logging")
	)
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `prime-replica - intrusion-tolerant SCADA replication core

Usage:
  prime-replica <command> [options]

Commands:
  init      Write a new replica.yaml and generate a keypair
  keygen    Rotate the replica's RSA keypair
  serve     Run the replica's event loop
  status    Query a running replica's /metrics endpoint
  reset     Wipe local replica state (destructive!)

Global Options:
  -c, --config     Path to replica.yaml (default "replica.yaml")
      --no-color   Disable color output
  -v, --verbose    Enable debug logging
  -V, --version    Show version and exit

For detailed command help: prime-replica <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("prime-replica version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	globals := GlobalFlags{ConfigPath: *configPath, NoColor: *noColor, Verbose: *verbose}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		os.Exit(runInit(cmdArgs, globals))
	case "keygen":
		os.Exit(runKeygen(cmdArgs, globals))
	case "serve":
		os.Exit(runServe(cmdArgs, globals))
	case "status":
		os.Exit(runStatus(cmdArgs, globals))
	case "reset":
		os.Exit(runReset(cmdArgs, globals))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
