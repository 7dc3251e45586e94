// Copyright 2025 The etherdeck Authors
// This file is part of the etherdeck library.
//
// The etherdeck library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The etherdeck library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the etherdeck library. If not, see <http://www.gnu.org/licenses/>.

// Package settings loads the shell configuration from TOML files with
// environment overrides.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/naoina/toml"

	"github.com/etherdeck/etherdeck/nodestate"
	"github.com/etherdeck/etherdeck/socket"
)

// defaultConfig is the builtin configuration. Files and environment variables
// override it field by field.
const defaultConfig = `
Verbosity = 3

[Node]
Binary = ""
Endpoint = ""
Mode = "ipc"
ConnectTimeoutMs = 5000

[Bridge]
ListenAddr = "127.0.0.1:8690"
AllowedOrigins = ["http://localhost"]
RequestsPerSecond = 50.0
RequestBurst = 100
`

// NodeConfig describes how to reach (and optionally launch) the local node.
type NodeConfig struct {
	// Binary is the node executable. Empty means the node runs externally.
	Binary string
	// Args are extra arguments for the node executable.
	Args []string
	// Endpoint is the socket endpoint: a filesystem path for ipc mode, a
	// host:port for tcp mode. Empty defaults to <datadir>/geth.ipc.
	Endpoint string
	// Mode selects the transport: "ipc" or "tcp".
	Mode string
	// ConnectTimeoutMs bounds the transport-level connect.
	ConnectTimeoutMs int64
}

// BridgeConfig describes the UI surface endpoint.
type BridgeConfig struct {
	ListenAddr        string
	AllowedOrigins    []string
	RequestsPerSecond float64
	RequestBurst      int
}

// Config is the root shell configuration.
type Config struct {
	Verbosity int
	Node      NodeConfig
	Bridge    BridgeConfig
}

// Defaults returns the builtin configuration.
func Defaults() *Config {
	cfg := new(Config)
	if err := toml.Unmarshal([]byte(defaultConfig), cfg); err != nil {
		panic(fmt.Sprintf("invalid builtin config: %v", err))
	}
	return cfg
}

// Load builds the configuration: builtin defaults, then the given TOML file
// (if any), then .env / environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
	}
	// a .env next to the binary is developer convenience, missing is fine
	godotenv.Load()
	applyEnv(cfg)

	if cfg.Node.Endpoint == "" {
		cfg.Node.Endpoint = DefaultIPCEndpoint()
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ETHERDECK_VERBOSITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Verbosity = n
		}
	}
	if v := os.Getenv("ETHERDECK_NODE_BINARY"); v != "" {
		cfg.Node.Binary = v
	}
	if v := os.Getenv("ETHERDECK_NODE_ENDPOINT"); v != "" {
		cfg.Node.Endpoint = v
	}
	if v := os.Getenv("ETHERDECK_NODE_MODE"); v != "" {
		cfg.Node.Mode = v
	}
	if v := os.Getenv("ETHERDECK_BRIDGE_ADDR"); v != "" {
		cfg.Bridge.ListenAddr = v
	}
	if v := os.Getenv("ETHERDECK_BRIDGE_ORIGINS"); v != "" {
		cfg.Bridge.AllowedOrigins = strings.Split(v, ",")
	}
}

// DefaultIPCEndpoint returns the conventional node IPC path in the user's
// home directory.
func DefaultIPCEndpoint() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "geth.ipc"
	}
	return home + "/.ethereum/geth.ipc"
}

// SocketConfig translates the node settings into a socket configuration.
func (c *NodeConfig) SocketConfig() socket.Config {
	return socket.Config{
		Mode:        socket.Mode(c.Mode),
		Endpoint:    c.Endpoint,
		DialTimeout: time.Duration(c.ConnectTimeoutMs) * time.Millisecond,
	}
}

// SupervisorConfig translates the node settings into a supervisor
// configuration.
func (c *NodeConfig) SupervisorConfig() nodestate.Config {
	return nodestate.Config{
		Binary:   c.Binary,
		Args:     c.Args,
		Endpoint: c.Endpoint,
		Mode:     socket.Mode(c.Mode),
	}
}
