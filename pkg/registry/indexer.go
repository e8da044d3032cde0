// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/storage"
)

// DefaultIndexInterval is how often the indexer sweeps the components tree.
const DefaultIndexInterval = 5 * time.Minute

// indexerParallelism bounds concurrent directory registrations per sweep.
const indexerParallelism = 8

// IndexSummary is the delta of one sweep.
type IndexSummary struct {
	Registered int      `json:"registered"`
	Unchanged  int      `json:"unchanged"`
	Pruned     int      `json:"pruned"`
	Errors     []string `json:"errors,omitempty"`
}

// Indexer keeps the component index in step with the filesystem: it
// periodically walks the components tree, registers every leaf, and prunes
// rows whose directories disappeared.
type Indexer struct {
	registry *Registry
	adapter  storage.Adapter
	interval time.Duration
	stopCh   chan struct{}
}

// NewIndexer builds an indexer; interval defaults to DefaultIndexInterval.
func NewIndexer(reg *Registry, adapter storage.Adapter, interval time.Duration) *Indexer {
	if interval <= 0 {
		interval = DefaultIndexInterval
	}
	return &Indexer{
		registry: reg,
		adapter:  adapter,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Run sweeps immediately, then on every tick until Stop or ctx cancel.
func (ix *Indexer) Run(ctx context.Context) {
	ix.sweepAndLog(ctx)

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ix.sweepAndLog(ctx)
		case <-ix.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the run loop.
func (ix *Indexer) Stop() {
	close(ix.stopCh)
}

func (ix *Indexer) sweepAndLog(ctx context.Context) {
	summary, err := ix.Sweep(ctx)
	if err != nil {
		logger.Warnw("Component index sweep failed", "error", err)
		return
	}
	if summary.Registered > 0 || summary.Pruned > 0 || len(summary.Errors) > 0 {
		logger.Infow("Component index sweep",
			"registered", summary.Registered,
			"unchanged", summary.Unchanged,
			"pruned", summary.Pruned,
			"errors", len(summary.Errors))
	}
}

// Sweep runs one full pass: walk, register, prune.
func (ix *Indexer) Sweep(ctx context.Context) (*IndexSummary, error) {
	leaves, err := ix.discoverLeaves(ctx)
	if err != nil {
		return nil, fmt.Errorf("walking components tree: %w", err)
	}

	summary := &IndexSummary{}
	discovered := make(map[string]bool, len(leaves))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexerParallelism)
	for _, leaf := range leaves {
		// Every walked leaf counts as discovered so a failed registration
		// never turns into a prune of a previously good row.
		mu.Lock()
		discovered[leaf.name+":"+leaf.version] = true
		mu.Unlock()

		g.Go(func() error {
			_, status, err := ix.registry.RegisterFromDirectory(gctx, leaf.path, false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", leaf.path, err))
			case status == StatusRegistered:
				summary.Registered++
			default:
				summary.Unchanged++
			}
			return nil
		})
	}
	_ = g.Wait()

	pruned, err := ix.registry.PruneStaleEntries(ctx, discovered)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("prune: %v", err))
	}
	summary.Pruned = pruned
	return summary, nil
}

type indexLeaf struct {
	path    string
	name    string
	version string
}

// discoverLeaves lists components/<types>/<publisher>/<name>/<version>
// directories. Listing is cheap; only registration is parallelized.
func (ix *Indexer) discoverLeaves(ctx context.Context) ([]indexLeaf, error) {
	var leaves []indexLeaf

	typeDirs, err := ix.adapter.List(ctx, "components")
	if err != nil {
		return nil, err
	}
	for _, typeDir := range typeDirs {
		publishers, err := ix.adapter.List(ctx, "components", typeDir)
		if err != nil {
			return nil, err
		}
		for _, publisher := range publishers {
			names, err := ix.adapter.List(ctx, "components", typeDir, publisher)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				versions, err := ix.adapter.List(ctx, "components", typeDir, publisher, name)
				if err != nil {
					return nil, err
				}
				for _, version := range versions {
					leaves = append(leaves, indexLeaf{
						path:    fmt.Sprintf("components/%s/%s/%s/%s", typeDir, publisher, name, version),
						name:    name,
						version: version,
					})
				}
			}
		}
	}
	return leaves, nil
}
