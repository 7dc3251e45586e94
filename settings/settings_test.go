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

package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/etherdeck/etherdeck/socket"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Verbosity != 3 {
		t.Errorf("Verbosity = %d, want 3", cfg.Verbosity)
	}
	if cfg.Node.Mode != "ipc" {
		t.Errorf("Node.Mode = %q, want ipc", cfg.Node.Mode)
	}
	if cfg.Node.ConnectTimeoutMs != 5000 {
		t.Errorf("Node.ConnectTimeoutMs = %d, want 5000", cfg.Node.ConnectTimeoutMs)
	}
	if cfg.Bridge.ListenAddr != "127.0.0.1:8690" {
		t.Errorf("Bridge.ListenAddr = %q", cfg.Bridge.ListenAddr)
	}
	if cfg.Bridge.RequestBurst != 100 {
		t.Errorf("Bridge.RequestBurst = %d, want 100", cfg.Bridge.RequestBurst)
	}
}

func TestLoadFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etherdeck.toml")
	content := `
Verbosity = 5

[Node]
Mode = "tcp"
Endpoint = "127.0.0.1:8545"

[Bridge]
AllowedOrigins = ["https://wallet.example"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Verbosity != 5 {
		t.Errorf("Verbosity = %d, want 5", cfg.Verbosity)
	}
	if cfg.Node.Mode != "tcp" {
		t.Errorf("Node.Mode = %q, want tcp", cfg.Node.Mode)
	}
	if cfg.Node.Endpoint != "127.0.0.1:8545" {
		t.Errorf("Node.Endpoint = %q", cfg.Node.Endpoint)
	}
	// untouched fields keep their defaults
	if cfg.Node.ConnectTimeoutMs != 5000 {
		t.Errorf("Node.ConnectTimeoutMs = %d, want 5000", cfg.Node.ConnectTimeoutMs)
	}
	if len(cfg.Bridge.AllowedOrigins) != 1 || cfg.Bridge.AllowedOrigins[0] != "https://wallet.example" {
		t.Errorf("Bridge.AllowedOrigins = %v", cfg.Bridge.AllowedOrigins)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ETHERDECK_VERBOSITY", "1")
	t.Setenv("ETHERDECK_NODE_MODE", "tcp")
	t.Setenv("ETHERDECK_NODE_ENDPOINT", "127.0.0.1:9999")
	t.Setenv("ETHERDECK_BRIDGE_ORIGINS", "http://a,http://b")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Verbosity != 1 {
		t.Errorf("Verbosity = %d, want 1", cfg.Verbosity)
	}
	if cfg.Node.Mode != "tcp" {
		t.Errorf("Node.Mode = %q, want tcp", cfg.Node.Mode)
	}
	if cfg.Node.Endpoint != "127.0.0.1:9999" {
		t.Errorf("Node.Endpoint = %q", cfg.Node.Endpoint)
	}
	if len(cfg.Bridge.AllowedOrigins) != 2 {
		t.Errorf("Bridge.AllowedOrigins = %v", cfg.Bridge.AllowedOrigins)
	}
}

func TestDefaultIPCEndpoint(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.Endpoint == "" {
		t.Fatal("empty endpoint not defaulted")
	}
}

func TestSocketConfig(t *testing.T) {
	nc := NodeConfig{Mode: "tcp", Endpoint: "127.0.0.1:8545", ConnectTimeoutMs: 5000}
	sc := nc.SocketConfig()
	if sc.Mode != socket.ModeTCP {
		t.Errorf("Mode = %v", sc.Mode)
	}
	if sc.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout = %v, want 5s", sc.DialTimeout)
	}
}
