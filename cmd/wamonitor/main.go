// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wamonitor watches selected WhatsApp groups, captures promotional
// messages posted there and relays them to a link-replacement backend for
// scheduled redistribution.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"maunium.net/go/mauflag"

	"github.com/aiku/wamonitor/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  = mauflag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	version     = mauflag.MakeFull("v", "version", "View version and quit.", "false").Bool()
	wantHelp, _ = mauflag.MakeHelpFlag()
)

func main() {
	mauflag.SetHelpTitles(
		"wamonitor - WhatsApp group monitor and clone relay.",
		"wamonitor [-hv] [-c <path>]",
	)
	if err := mauflag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		mauflag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		mauflag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("wamonitor %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load .env:", err)
		os.Exit(2)
	}

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(4)
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Str("config", *configPath).
		Msg("Initializing wamonitor")

	wc, err := connector.New(ctx, cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	if err := wc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("wamonitor stopped with error")
		stop()
		os.Exit(5)
	}
	log.Info().Msg("wamonitor stopped")
}
