/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"meshline.dev/core/mesh"
)

// parseFlags mirrors flags.Parse: a pflag.FlagSet bound directly into an
// Options struct, one positional argument required afterward.
func parseFlags(opts *Options) error {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <node-id>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.StringVar(&opts.StateFile, "state", opts.StateFile, "Path to the JSON state file")
	pflag.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "One of silent, error, info, debug")
	pflag.BoolVarP(&opts.ShowVersion, "version", "v", false, "Print the version number and exit")

	pflag.Parse()

	if opts.ShowVersion {
		return nil
	}

	if pflag.NArg() != 1 {
		return fmt.Errorf("must pass exactly one node id, but got %d", pflag.NArg())
	}
	opts.NodeID = pflag.Arg(0)
	return nil
}

func parseLogLevel(s string) int {
	switch s {
	case "debug":
		return mesh.LogLevelDebug
	case "info":
		return mesh.LogLevelInfo
	case "error":
		return mesh.LogLevelError
	case "silent":
		return mesh.LogLevelSilent
	}
	return mesh.LogLevelInfo
}
