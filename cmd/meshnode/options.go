/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package main

// Options mirrors flags.Options's role exactly: a plain struct pflag binds
// into, kept separate from Parse so tests can construct one directly.
type Options struct {
	StateFile string
	NodeID    string
	LogLevel  string
	ShowVersion bool
}

func NewOptions() *Options {
	return &Options{
		StateFile: "meshnode.json",
		LogLevel:  "info",
	}
}
