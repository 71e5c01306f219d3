// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command ouisyncd opens one ouisync repository and keeps its background
// scan/merge/prune jobs running until interrupted. Peer transport setup
// (listening sockets, TLS/QUIC, discovery) is explicitly out of scope of
// this codebase (spec.md §1) — repository.Repository.Connect takes an
// already-established protocol.Transport, which an embedder supplies.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/database/memdb"

	ouilog "github.com/luxfi/ouisync/log"
	"github.com/luxfi/ouisync/repository"
	"github.com/luxfi/ouisync/store"
)

func main() {
	password := flag.String("password", "", "repository password (required)")
	quota := flag.Uint64("quota", 0, "storage quota in bytes, 0 for unlimited")
	flag.Parse()

	if *password == "" {
		fmt.Fprintln(os.Stderr, "ouisyncd: -password is required")
		os.Exit(2)
	}

	logger, err := ouilog.NewProductionLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ouisyncd: build logger:", err)
		os.Exit(1)
	}

	// memdb stands in for whatever database.Database the deployment
	// plugs in; store.DB only depends on the interface (spec.md §1: "the
	// core assumes ... a persistent key-value-like relational store").
	db := store.New(memdb.New())

	tx := db.BeginWrite()
	access, salt, err := repository.CreateWriteAccess(tx, *password)
	if err != nil {
		logger.Error("create repository", "error", err)
		os.Exit(1)
	}
	if err := tx.Commit(); err != nil {
		logger.Error("commit repository creation", "error", err)
		os.Exit(1)
	}
	logger.Info("repository created", "id", access.RepositoryId.String())

	cfg := repository.DefaultConfig()
	cfg.Quota = *quota

	repo, err := repository.New(access, db, cfg, nil, logger)
	if err != nil {
		logger.Error("open repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	logger.Info("ouisyncd ready", "quota", *quota, "salt", fmt.Sprintf("%x", salt[:4]))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("ouisyncd shutting down")
}
