// Command noidd is the control-plane daemon: it wires the catalog,
// storage backend, netd client, and hypervisor driver into a Backend and
// keeps it alive for an external frontend process to drive over some
// other transport. Building that frontend is out of scope (spec.md §1);
// noidd itself exposes nothing but the orphan sweep it runs at startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/viper"

	"github.com/noidhq/noid/backend"
	"github.com/noidhq/noid/catalog"
	"github.com/noidhq/noid/config"
	"github.com/noidhq/noid/netd"
	"github.com/noidhq/noid/storage"
)

func main() {
	cfgFile := flag.String("config", "", "config file path")
	rootDir := flag.String("root-dir", "", "root data directory")
	runDir := flag.String("run-dir", "", "runtime directory")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conf, err := loadConfig(*cfgFile, *rootDir, *runDir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if err := log.SetupLog(ctx, &conf.Log, ""); err != nil {
		fatalf("setup log: %v", err)
	}
	logger := log.WithFunc("noidd.main")

	if err := conf.EnsureDirs(); err != nil {
		fatalf("ensure dirs: %v", err)
	}

	cat, err := catalog.Open(ctx, conf.CatalogLockFile(), conf.CatalogFile())
	if err != nil {
		fatalf("open catalog: %v", err)
	}
	defer func() {
		if err := cat.Close(ctx); err != nil {
			logger.Errorf(ctx, "close catalog: %v", err)
		}
	}()

	store := storage.Probe(conf.RootDir)
	netdClient := netd.New(conf.NetdSocketPath)

	b := backend.New(conf, cat, store, netdClient)

	logger.Infof(ctx, "running startup orphan sweep")
	if err := b.Reconcile(ctx); err != nil {
		logger.Errorf(ctx, "startup reconcile: %v", err)
	}

	logger.Infof(ctx, "noidd ready (root=%s, run=%s)", conf.RootDir, conf.RunDir)
	<-ctx.Done()
	logger.Infof(ctx, "shutting down")
}

// loadConfig loads an optional config file, then layers flag overrides and
// NOID_-prefixed environment variables on top of config.DefaultConfig().
func loadConfig(cfgFile, rootDir, runDir string) (*config.Config, error) {
	conf := config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	viper.SetEnvPrefix("NOID")
	viper.AutomaticEnv()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if rootDir != "" {
		conf.RootDir = rootDir
	}
	if runDir != "" {
		conf.RunDir = runDir
	}
	return conf, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
