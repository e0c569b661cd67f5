package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/domain-intel/internal/dedup"
)

var cacheFile string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the scrape dedup cache",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show statistics for an exported cache file",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := loadCacheFile(resolveCacheFile())
		if err != nil {
			return err
		}
		stats := map[string]any{
			"entries": len(entries),
		}
		if len(entries) > 0 {
			// Entries are exported oldest-first.
			stats["oldest"] = entries[0].ScrapedAt
			stats["newest"] = entries[len(entries)-1].ScrapedAt
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop expired entries from an exported cache file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveCacheFile()
		entries, err := loadCacheFile(path)
		if err != nil {
			return err
		}

		ttl := time.Duration(cfg.Dedup.TTLHours) * time.Hour
		cutoff := time.Now().UTC().Add(-ttl)
		live := entries[:0]
		for _, e := range entries {
			if e.ScrapedAt.After(cutoff) {
				live = append(live, e)
			}
		}

		if err := saveCacheFile(path, live); err != nil {
			return err
		}
		fmt.Printf("pruned %d of %d entries\n", len(entries)-len(live), len(entries))
		return nil
	},
}

func resolveCacheFile() string {
	if cacheFile != "" {
		return cacheFile
	}
	return cfg.Dedup.CacheFile
}

func loadCacheFile(path string) ([]dedup.Entry, error) {
	if path == "" {
		return nil, eris.New("no cache file configured; set dedup.cache_file or --file")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read cache file %s", path)
	}
	var entries []dedup.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, eris.Wrapf(err, "decode cache file %s", path)
	}
	return entries, nil
}

func saveCacheFile(path string, entries []dedup.Entry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode cache entries")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return eris.Wrapf(err, "write cache file %s", path)
	}
	return nil
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheFile, "file", "", "cache file path (default from config)")
	cacheCmd.AddCommand(cacheInspectCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
