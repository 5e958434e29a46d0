package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	conversync "github.com/relaydesk/conversync"
)

// getClient creates a REST client from the stored session token.
func getClient() *conversync.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'conversync init <token>' first.")
		os.Exit(1)
	}

	var opts []conversync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, conversync.WithBaseURL(cfg.Default.BaseURL))
	}

	return conversync.NewClient(cfg.Default.Token, opts...)
}

// getEngine creates a full engine wired to the local cache. The caller owns
// Close on both returns.
func getEngine(ctx context.Context, opts ...conversync.EngineOption) (*conversync.Engine, *conversync.LocalStore) {
	fileCfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if fileCfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'conversync init <token>' first.")
		os.Exit(1)
	}

	cfg, err := conversync.LoadConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment config: %v\n", err)
		os.Exit(1)
	}
	if fileCfg.Default.BaseURL != "" {
		cfg.BaseURL = fileCfg.Default.BaseURL
	}

	cachePath := fileCfg.Cache.Path
	if cachePath == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve cache path: %v\n", err)
			os.Exit(1)
		}
		cachePath = filepath.Join(dir, "cache.db")
	}
	local, err := conversync.OpenLocalStore(cachePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local cache: %v\n", err)
		os.Exit(1)
	}

	sessions := conversync.NewTokenSource(fileCfg.Default.Token)
	opts = append(opts, conversync.WithLocalStore(local))
	engine := conversync.NewEngine(cfg, sessions, opts...)
	if err := engine.Start(ctx); err != nil {
		local.Close()
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}
	return engine, local
}
