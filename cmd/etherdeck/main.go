// Copyright 2025 The etherdeck Authors
// This file is part of etherdeck.
//
// etherdeck is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// etherdeck is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with etherdeck. If not, see <http://www.gnu.org/licenses/>.

// etherdeck runs the provider backend of the desktop shell: it supervises the
// local node and bridges its JSON-RPC interface to the web UI surfaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/etherdeck/etherdeck/bridge"
	"github.com/etherdeck/etherdeck/log"
	"github.com/etherdeck/etherdeck/nodestate"
	"github.com/etherdeck/etherdeck/provider"
	"github.com/etherdeck/etherdeck/settings"
	"github.com/etherdeck/etherdeck/socket"
)

const clientIdentifier = "etherdeck"

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
	nodeBinaryFlag = &cli.StringFlag{
		Name:  "node.binary",
		Usage: "Node executable to launch (empty attaches to a running node)",
	}
	nodeEndpointFlag = &cli.StringFlag{
		Name:  "node.endpoint",
		Usage: "Node socket endpoint (ipc path or host:port)",
	}
	nodeModeFlag = &cli.StringFlag{
		Name:  "node.mode",
		Usage: `Node transport mode ("ipc" or "tcp")`,
	}
	bridgeAddrFlag = &cli.StringFlag{
		Name:  "bridge.addr",
		Usage: "Listen address for the UI surface bridge",
	}
	bridgeOriginsFlag = &cli.StringSliceFlag{
		Name:  "bridge.origins",
		Usage: "Origins allowed to open surface connections",
	}
)

var app = &cli.App{
	Name:   clientIdentifier,
	Usage:  "provider backend for the etherdeck desktop shell",
	Action: run,
	Flags: []cli.Flag{
		configFileFlag,
		verbosityFlag,
		nodeBinaryFlag,
		nodeEndpointFlag,
		nodeModeFlag,
		bridgeAddrFlag,
		bridgeOriginsFlag,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := settings.Load(ctx.String(configFileFlag.Name))
	if err != nil {
		return err
	}
	applyFlags(ctx, cfg)

	glogger := log.LvlFilterHandler(log.Lvl(cfg.Verbosity), log.StreamHandler(os.Stderr, log.TerminalFormat(true)))
	log.Root().SetHandler(glogger)

	supervisor := nodestate.NewSupervisor(cfg.Node.SupervisorConfig())
	backend := provider.New(
		supervisor,
		socket.NewFactory(cfg.Node.SocketConfig()),
		provider.DefaultRegistry(new(provider.Policy)),
	)
	srv := bridge.NewServer(bridge.Config{
		ListenAddr:        cfg.Bridge.ListenAddr,
		AllowedOrigins:    cfg.Bridge.AllowedOrigins,
		RequestsPerSecond: cfg.Bridge.RequestsPerSecond,
		RequestBurst:      cfg.Bridge.RequestBurst,
	}, backend)

	if err := supervisor.Start(); err != nil {
		return err
	}
	backend.Start()
	if err := srv.Start(); err != nil {
		supervisor.Stop()
		return err
	}
	log.Info("Provider backend up", "endpoint", cfg.Node.Endpoint, "mode", cfg.Node.Mode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)
	backend.Stop()
	return supervisor.Stop()
}

func applyFlags(ctx *cli.Context, cfg *settings.Config) {
	if ctx.IsSet(verbosityFlag.Name) {
		cfg.Verbosity = ctx.Int(verbosityFlag.Name)
	}
	if ctx.IsSet(nodeBinaryFlag.Name) {
		cfg.Node.Binary = ctx.String(nodeBinaryFlag.Name)
	}
	if ctx.IsSet(nodeEndpointFlag.Name) {
		cfg.Node.Endpoint = ctx.String(nodeEndpointFlag.Name)
	}
	if ctx.IsSet(nodeModeFlag.Name) {
		cfg.Node.Mode = ctx.String(nodeModeFlag.Name)
	}
	if ctx.IsSet(bridgeAddrFlag.Name) {
		cfg.Bridge.ListenAddr = ctx.String(bridgeAddrFlag.Name)
	}
	if ctx.IsSet(bridgeOriginsFlag.Name) {
		cfg.Bridge.AllowedOrigins = ctx.StringSlice(bridgeOriginsFlag.Name)
	}
}
