// Command noosphere-gatewayd runs a Noosphere gateway: it hosts a
// self-administered directory sphere for the Sync Protocol, runs the
// Name System Adapter's publish/resolve tickers, and serves the
// gateway's HTTP surface (/did, /identify, /fetch, /push, /replicate,
// /resolve, /metrics).
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/subconscious-network/noosphere/gateway"
	"github.com/subconscious-network/noosphere/internal/config"
	"github.com/subconscious-network/noosphere/internal/logging"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "noosphere-gatewayd: load config:", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger("gateway")

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(func() *logging.Logger { return logger }),
		fx.WithLogger(func() fxevent.Logger { return &fxLogAdapter{logger: logger} }),
		gateway.Module,
	)
	app.Run()
}
