/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Command meshnode is a small interactive demo of the mesh engine, in the
// same spirit as wireguard-go's main.go: parse flags, open persistent
// state, bring the engine up, then block on a command source until told to
// stop. Real BLE hardware is out of scope (spec.md §1), so this wires
// meshtransport.LoopbackTransport in its place — useful for driving the
// engine by hand, not for talking to another process.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"meshline.dev/core/mesh"
	"meshline.dev/core/meshstore"
	"meshline.dev/core/meshtransport"
)

const version = "0.1.0"

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

func main() {
	opts := NewOptions()
	if err := parseFlags(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}
	if opts.ShowVersion {
		fmt.Printf("meshnode v%s\n", version)
		return
	}

	logger := mesh.NewLogger(parseLogLevel(opts.LogLevel), fmt.Sprintf("(%s) ", opts.NodeID))

	store, err := meshstore.Open(opts.StateFile)
	if err != nil {
		logger.Errorf("opening state file: %v", err)
		os.Exit(exitSetupFailed)
	}

	identity, err := mesh.LoadOrCreateIdentity(store)
	if err != nil {
		logger.Errorf("loading identity: %v", err)
		os.Exit(exitSetupFailed)
	}
	logger.Infof("fingerprint: %s", mesh.Fingerprint(identity.PublicKey()))

	hub := meshtransport.NewHub()
	transport := meshtransport.NewLoopbackTransport(hub, mesh.PeerID(opts.NodeID), nil)

	engine := mesh.NewEngine(identity, store, transport, logger)
	transport.SetEvents(engine)

	engine.OnMessageReceived(func(msg mesh.Message) {
		logger.Infof("message from %s: %s", msg.Sender, msg.Text)
	})
	engine.OnMessageStatus(func(id mesh.MessageID, status mesh.Status) {
		logger.Debugf("message %s is now %s", id, status)
	})

	if err := engine.Start(); err != nil {
		logger.Errorf("starting engine: %v", err)
		os.Exit(exitSetupFailed)
	}
	logger.Infof("engine started")

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	commands := make(chan string)
	go readCommands(commands)

	for {
		select {
		case <-term:
			logger.Infof("shutting down")
			engine.Close()
			transport.Close()
			os.Exit(exitSetupSuccess)
		case line, ok := <-commands:
			if !ok {
				engine.Close()
				transport.Close()
				os.Exit(exitSetupSuccess)
			}
			runCommand(logger, engine, line)
		}
	}
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func runCommand(logger mesh.Logger, engine *mesh.Engine, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "scan":
		logger.Infof("scan: %v", engine.Peers().Snapshot())
	case "bind":
		if len(fields) != 3 {
			logger.Errorf("usage: bind <peer-id> <pubkey-hex>")
			return
		}
		pub, err := decodePublicKey(fields[2])
		if err != nil {
			logger.Errorf("bind failed: %v", err)
			return
		}
		if err := engine.BindPeer(mesh.PeerID(fields[1]), pub); err != nil {
			logger.Errorf("bind failed: %v", err)
			return
		}
		logger.Infof("bound %s, fingerprint %s", fields[1], mesh.Fingerprint(pub))
	case "verify":
		if len(fields) < 3 {
			logger.Errorf("usage: verify <peer-id> <scanned-fingerprint>")
			return
		}
		scanned := strings.Join(fields[2:], "")
		ok, err := engine.VerifyPeer(mesh.PeerID(fields[1]), scanned)
		if err != nil {
			logger.Errorf("verify failed: %v", err)
			return
		}
		logger.Infof("verify %s: %v", fields[1], ok)
	case "send":
		if len(fields) < 3 {
			logger.Errorf("usage: send <peer-id> <text...>")
			return
		}
		text := strings.Join(fields[2:], " ")
		msg, err := engine.SendMessage(context.Background(), mesh.PeerID(fields[1]), text)
		if err != nil {
			logger.Errorf("send failed: %v", err)
			return
		}
		logger.Infof("queued message %s", msg.ID)
	case "stats":
		logger.Infof("stats: %+v", engine.Stats())
	default:
		logger.Errorf("unknown command %q", fields[0])
	}
}

func decodePublicKey(s string) (mesh.PublicKey, error) {
	var pub mesh.PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != mesh.PublicKeySize {
		return pub, fmt.Errorf("public key must be %d bytes, got %d", mesh.PublicKeySize, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}
