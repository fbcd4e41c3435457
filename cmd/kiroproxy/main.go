// kiroproxy CLI entry point
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/config"
	"github.com/kilimcininkoroglu/kiroproxy/internal/credpool"
	"github.com/kilimcininkoroglu/kiroproxy/internal/gateway"
	"github.com/kilimcininkoroglu/kiroproxy/internal/upstream"
)

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

func main() {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	configFlag := flag.String("config", "", "Path to config.json (default: ~/.config/kiroproxy/config.json)")
	credentialsFlag := flag.String("credentials", "", "Path to credentials.json (overrides config file value)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("kiroproxy %s\n", version)
		return
	}

	logger := config.NewLogger()
	defer logger.Close()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = defaultConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if *credentialsFlag != "" {
		cfg.CredentialsPath = *credentialsFlag
	}

	if cfg.ProxyURL != "" {
		upstream.ConfigureProxy(cfg.ProxyURL, cfg.ProxyUsername, cfg.ProxyPassword)
	}

	defaults := credpool.RegionDefaults{
		Region:      cfg.Region,
		AuthRegion:  cfg.AuthRegion,
		APIRegion:   cfg.APIRegion,
		MachineID:   cfg.MachineID,
		KiroVersion: cfg.KiroVersion,
	}

	pool, err := credpool.Open(cfg.CredentialsPath, cfg.StatsPath, defaults, credpool.Mode(cfg.LoadBalancingMode))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening credential pool: %v\n", err)
		os.Exit(1)
	}

	identity := upstream.Identity{
		KiroVersion:   cfg.KiroVersion,
		SystemVersion: cfg.SystemVersion,
		NodeVersion:   cfg.NodeVersion,
	}
	uc := upstream.NewClient(pool, identity, upstream.RegionDefaults{
		Region:    cfg.Region,
		APIRegion: cfg.APIRegion,
		MachineID: cfg.MachineID,
	}, cfg.MaxRequestBodyBytesOrUnlimited())

	srv := gateway.NewServer(cfg, pool, uc, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "gateway: shutdown: %v\n", err)
		}
	}()

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir := config.ConfigDir()
	if dir == "" {
		return "./config.json"
	}
	return dir + "/config.json"
}
