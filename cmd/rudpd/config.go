package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cyberinferno/go-rudp/udpserver"
)

type fileConfig struct {
	Name               string `toml:"name"`
	Addr               string `toml:"addr"`
	MetricsAddr        string `toml:"metrics_addr"`
	LogLevel           string `toml:"log_level"`
	HeartbeatInterval  string `toml:"heartbeat_interval"`
	HandshakeReplayTTL string `toml:"handshake_replay_ttl"`
	MaxConnections     uint32 `toml:"max_connections"`
	MaxFrameSize       uint32 `toml:"max_frame_size"`
	SocketBuffer       int    `toml:"socket_buffer"`
	DSCP               int    `toml:"dscp"`
	ARQ                struct {
		MTU        int `toml:"mtu"`
		SendWindow int `toml:"send_window"`
		RecvWindow int `toml:"recv_window"`
		FastResend int `toml:"fast_resend"`
	} `toml:"arq"`
}

type serveConfig struct {
	Server      udpserver.Config
	MetricsAddr string
	LogLevel    string
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		Server:      udpserver.DefaultConfig("0.0.0.0:7400"),
		MetricsAddr: "127.0.0.1:9400",
	}
}

func loadServeConfig(path string) (serveConfig, error) {
	cfg := defaultServeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serveConfig{}, fmt.Errorf("load rudpd config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Server.Name = name
		}
	}

	if meta.IsDefined("addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Addr)
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("heartbeat_interval") {
		d, err := parsePositiveDuration(raw.HeartbeatInterval)
		if err != nil {
			return serveConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.Server.HeartbeatInterval = d
	}

	if meta.IsDefined("handshake_replay_ttl") {
		d, err := parsePositiveDuration(raw.HandshakeReplayTTL)
		if err != nil {
			return serveConfig{}, fmt.Errorf("parse handshake_replay_ttl: %w", err)
		}
		cfg.Server.HandshakeReplayTTL = d
	}

	if meta.IsDefined("max_connections") {
		cfg.Server.MaxConnections = raw.MaxConnections
	}

	if meta.IsDefined("max_frame_size") {
		cfg.Server.MaxFrameSize = raw.MaxFrameSize
	}

	if meta.IsDefined("socket_buffer") {
		cfg.Server.Socket.SocketBuffer = raw.SocketBuffer
	}

	if meta.IsDefined("dscp") {
		cfg.Server.Socket.DSCP = raw.DSCP
	}

	if meta.IsDefined("arq", "mtu") {
		cfg.Server.ARQ.MTU = raw.ARQ.MTU
	}

	if meta.IsDefined("arq", "send_window") {
		cfg.Server.ARQ.SendWindow = raw.ARQ.SendWindow
	}

	if meta.IsDefined("arq", "recv_window") {
		cfg.Server.ARQ.RecvWindow = raw.ARQ.RecvWindow
	}

	if meta.IsDefined("arq", "fast_resend") {
		cfg.Server.ARQ.FastResend = raw.ARQ.FastResend
	}

	return cfg, nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}
