// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// matchd is the cloakmatch client daemon.  It runs the matchmaker client
// against an in-process emulated match network, logs the event stream, and
// optionally exposes prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/blake2b"

	"github.com/cloakmatch/cloakmatch/eventstore"
	"github.com/cloakmatch/cloakmatch/ledger"
	"github.com/cloakmatch/cloakmatch/ledger/memledger"
	"github.com/cloakmatch/cloakmatch/matchmaker"
	"github.com/cloakmatch/cloakmatch/matchmaker/config"
)

type flags struct {
	ConfigFile  string
	Identity    string
	MetricsAddr string
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "matchd",
		Short: "Cloakmatch client daemon",
		Long: `matchd runs the cloakmatch mutual-match client: it maintains the local
encrypted event log, seals like/pass decisions to the confidential match
network, and surfaces session and match events.

In this build the network is emulated in-process, which is suitable for
development and for demonstrating the full protocol flow end to end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	cmd.Flags().StringVarP(&f.ConfigFile, "config", "f", "matchd.toml",
		"path to the configuration file (TOML format)")
	cmd.Flags().StringVarP(&f.Identity, "identity", "i", "",
		"identity name, hashed into the client's network identity")
	cmd.Flags().StringVarP(&f.MetricsAddr, "metrics", "m", "",
		"listen address for prometheus metrics, disabled when empty")

	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func run(f flags) error {
	if f.Identity == "" {
		return fmt.Errorf("identity must be specified")
	}

	cfg, err := config.LoadFile(f.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", f.ConfigFile, err)
	}
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return err
	}
	log := logBackend.GetLogger("matchd")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	identity := ledger.Identity(blake2b.Sum256([]byte(f.Identity)))

	net, err := memledger.New(&memledger.Config{
		SettleDelay: cfg.Debug.SettleDelay(),
		Log:         logBackend.GetLogger("memledger"),
	})
	if err != nil {
		return err
	}
	defer net.Halt()

	store, err := eventstore.New(cfg.DataDir, logBackend.GetLogger("eventstore"))
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := matchmaker.New(context.Background(), cfg, logBackend, identity, net, store)
	if err != nil {
		return err
	}
	client.Start()
	defer client.Shutdown()

	if f.MetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(f.MetricsAddr, nil); err != nil {
				log.Errorf("metrics listener failed: %v", err)
			}
		}()
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	log.Noticef("matchd starting as %s", identity)
	for {
		select {
		case <-haltCh:
			log.Notice("Shutting down.")
			return nil
		case <-rotateCh:
			if err := logBackend.Rotate(); err != nil {
				log.Errorf("log rotation failed: %v", err)
			}
		case event, ok := <-client.EventSink:
			if !ok {
				return nil
			}
			if e, isEvent := event.(matchmaker.Event); isEvent {
				log.Notice(e.String())
			}
		}
	}
}
