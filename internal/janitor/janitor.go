package janitor

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"segment-streamer/pkg/types"
)

// Sweep removes asset directories under root whose modification time is
// older than maxAge. Best effort: individual failures are logged and
// skipped. Returns how many directories were removed.
func Sweep(root string, maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		log.Printf("[janitor] read cache root %s: %v", root, err)
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !types.ValidAssetID(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[janitor] evict %s: %v", dir, err)
			continue
		}
		log.Printf("[janitor] evicted %s (idle %s)", e.Name(), time.Since(fi.ModTime()).Truncate(time.Minute))
		removed++
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is cancelled.
func Run(ctx context.Context, root string, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := Sweep(root, maxAge); n > 0 {
				log.Printf("[janitor] sweep removed %d stale assets", n)
			}
		}
	}
}
