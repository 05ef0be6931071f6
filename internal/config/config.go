// Package config holds the daemon's configuration surface: a JSON config
// file plus a CLI-flag overlay, with a package-level GlobalCfg replaced
// atomically by Reload and per-field validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Proto selects the transport the endpoint binds.
type Proto string

const (
	ProtoUDP       Proto = "udp"
	ProtoTCPServer Proto = "tcp-server"
	ProtoTCPClient Proto = "tcp-client"
)

// DevType selects the virtual interface flavor (L3 tun or L2 tap).
type DevType string

const (
	DevTun DevType = "tun"
	DevTap DevType = "tap"
)

// Mode selects p2p (single peer) or server (multiplexed) operation.
type Mode string

const (
	ModeP2P    Mode = "p2p"
	ModeServer Mode = "server"
)

// Log configures the process-wide logger.
type Log struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Console bool   `json:"console"`
	MaxSize int    `json:"max_size_mb"`
}

// Config is the full daemon configuration, as JSON.
type Config struct {
	Log Log `json:"log"`

	Proto      Proto   `json:"proto"`
	Local      string  `json:"local"`
	Remote     string  `json:"remote"`
	RemotePort int     `json:"remote_port"`
	Dev        DevType `json:"dev"`
	Mode       Mode    `json:"mode"`

	Cipher string `json:"cipher"`
	Auth   string `json:"auth"`

	SecretFile string `json:"secret_file"`
	SecretDir  string `json:"secret_dir"`

	TLSServer bool   `json:"tls_server"`
	TLSClient bool   `json:"tls_client"`
	CAFile    string `json:"ca"`
	CertFile  string `json:"cert"`
	KeyFile   string `json:"key"`
	DHFile    string `json:"dh"`

	TLSAuthFile string `json:"tls_auth_file"`
	TLSAuthDir  string `json:"tls_auth_dir"`
	KeyMethod   int    `json:"key_method"`

	RenegSeconds int64 `json:"reneg_sec"`
	RenegBytes   int64 `json:"reneg_bytes"`
	RenegPackets int64 `json:"reneg_pkts"`

	HandshakeWindowSec  int64 `json:"hand_window"`
	TransitionWindowSec int64 `json:"tran_window"`

	ReplayWindow int   `json:"replay_window"`
	ReplayTimeS  int   `json:"replay_time"`
	NoReplay     bool  `json:"no_replay"`
	NoIV         bool  `json:"no_iv"`

	PingSec        int64 `json:"ping"`
	PingExitSec    int64 `json:"ping_exit"`
	PingRestartSec int64 `json:"ping_restart"`
	InactiveSec    int64 `json:"inactive"`

	TunMTU  int `json:"tun_mtu"`
	LinkMTU int `json:"link_mtu"`

	FragmentSize int  `json:"fragment"`
	MSSFix       int  `json:"mssfix"`
	Compress     bool `json:"compress"`

	ShaperBPS int64 `json:"shaper_bps"`

	ServerNet  string `json:"server_net"`
	ServerMask string `json:"server_mask"`

	ClientToClient bool `json:"client_to_client"`
	DuplicateCN    bool `json:"duplicate_cn"`
	MaxClients     int  `json:"max_clients"`
	TCPQueueLimit  int  `json:"tcp_queue_limit"`
	BcastBuffers   int  `json:"bcast_buffers"`

	HashSizeR int `json:"hash_size_r"`
	HashSizeV int `json:"hash_size_v"`

	ExplicitExitNotify int `json:"explicit_exit_notify"`

	StatusFile         string `json:"status_file"`
	StatusUpdateSec    int64  `json:"status_update_sec"`
	PacketIDFile       string `json:"packet_id_file"`
	AgeableRouteTTLSec int64  `json:"ageable_ttl_secs"`
}

// GlobalCfg is the process-wide effective configuration.
var GlobalCfg = Default()

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Log:                 Log{Level: "info", Console: true},
		Proto:                ProtoUDP,
		Dev:                  DevTun,
		Mode:                 ModeP2P,
		Cipher:               "aes-256-gcm",
		Auth:                 "sha256",
		KeyMethod:            2,
		RenegSeconds:         3600,
		HandshakeWindowSec:   60,
		TransitionWindowSec:  3600,
		ReplayWindow:         64,
		ReplayTimeS:          15,
		PingSec:              10,
		PingRestartSec:       120,
		MaxClients:           1024,
		TCPQueueLimit:        64,
		BcastBuffers:         16,
		HashSizeR:            256,
		HashSizeV:            256,
		AgeableRouteTTLSec:   600,
	}
}

// Reload reads path, validates it, and replaces GlobalCfg atomically on
// success.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.verify(); err != nil {
		return fmt.Errorf("verify config at %s: %w", path, err)
	}
	GlobalCfg = cfg
	return nil
}

// verify validates cross-field invariants, returning the first violation.
func (c *Config) verify() error {
	if c.Proto == "" {
		return fmt.Errorf("empty proto")
	}
	if c.Mode == ModeServer && (c.ServerNet == "" || c.ServerMask == "") {
		return fmt.Errorf("server mode requires server net and mask")
	}
	if c.Mode == ModeP2P && c.Remote == "" && c.Proto != ProtoTCPServer {
		return fmt.Errorf("p2p mode requires --remote unless tcp-server")
	}
	if c.ReplayWindow != 0 && (c.ReplayWindow < 64 || c.ReplayWindow > 1024) {
		return fmt.Errorf("replay window %d out of bounds [64,1024]", c.ReplayWindow)
	}
	if c.KeyMethod != 1 && c.KeyMethod != 2 {
		return fmt.Errorf("key-method must be 1 or 2")
	}
	if c.ShaperBPS != 0 && (c.ShaperBPS < 100 || c.ShaperBPS > 100_000_000) {
		return fmt.Errorf("shaper bps %d out of bounds [100,100000000]", c.ShaperBPS)
	}
	// The interaction of fragment, mssfix, and compression together is
	// underspecified; refuse the combination rather than invent semantics.
	if c.FragmentSize > 0 && c.MSSFix > 0 && c.Compress {
		return fmt.Errorf("fragment, mssfix, and compress cannot all be enabled together")
	}
	return nil
}

func (c *Config) HandshakeWindow() time.Duration {
	return time.Duration(c.HandshakeWindowSec) * time.Second
}

func (c *Config) TransitionWindow() time.Duration {
	return time.Duration(c.TransitionWindowSec) * time.Second
}

func (c *Config) ReplayTime() time.Duration {
	return time.Duration(c.ReplayTimeS) * time.Second
}

// TunMTUOrDefault returns the configured tun MTU, defaulting to 1500.
func (c *Config) TunMTUOrDefault() int {
	if c.TunMTU > 0 {
		return c.TunMTU
	}
	return 1500
}

// LinkMTUOrDefault returns the configured link MTU, defaulting to the tun
// MTU plus room for every encapsulation layer's overhead.
func (c *Config) LinkMTUOrDefault() int {
	if c.LinkMTU > 0 {
		return c.LinkMTU
	}
	return c.TunMTUOrDefault() + 100
}
