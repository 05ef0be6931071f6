// Command motovpnd is the tunneling daemon: one UDP/TCP endpoint, one
// virtual interface, peer-to-peer or server multiplexed.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/tun"

	"motovpn/internal/config"
	"motovpn/internal/crypto"
	"motovpn/internal/frame"
	"motovpn/internal/ioloop"
	"motovpn/internal/lifecycle"
	"motovpn/internal/link"
	"motovpn/internal/peer"
	"motovpn/internal/pktid"
	"motovpn/internal/session"
	"motovpn/internal/tunif"
	"motovpn/internal/vpnlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	conf := flag.String("config", "", "Path to config file")
	proto := flag.String("proto", "", "Transport: udp, tcp-server, tcp-client")
	local := flag.String("local", "", "Local bind host:port")
	remote := flag.String("remote", "", "Remote host:port")
	mode := flag.String("mode", "", "p2p or server")
	cipherName := flag.String("cipher", "", "Data channel cipher")
	verb := flag.String("verb", "", "Log level: debug, info, warn, error")
	flag.Parse()

	// Env var fallback, then file, then flag overlay.
	if *conf == "" {
		*conf = os.Getenv("VPN_CONFIG")
	}
	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return 1
		}
	}
	cfg := config.GlobalCfg
	if *proto != "" {
		cfg.Proto = config.Proto(*proto)
	}
	if *local != "" {
		cfg.Local = *local
	}
	if *remote != "" {
		cfg.Remote = *remote
	}
	if *mode != "" {
		cfg.Mode = config.Mode(*mode)
	}
	if *cipherName != "" {
		cfg.Cipher = *cipherName
	}
	if *verb != "" {
		cfg.Log.Level = *verb
	}

	vpnlog.Configure(vpnlog.Options{
		Path:    cfg.Log.Path,
		Level:   cfg.Log.Level,
		MaxSize: cfg.Log.MaxSize,
		Console: cfg.Log.Console,
	})
	defer vpnlog.Sync()
	log := vpnlog.L

	mgr := lifecycle.NewManager()
	defer mgr.Stop()

	for {
		err := runOnce(cfg, mgr)
		switch mgr.Current() {
		case lifecycle.Terminate:
			log.Info("terminating")
			if err != nil && !ioloop.ErrSignaled(err) {
				return 2
			}
			return 0
		case lifecycle.HardRestart:
			log.Info("hard restart: rereading configuration and keys")
			if *conf != "" {
				if rerr := config.Reload(*conf); rerr != nil {
					log.Error("config reload failed", zap.Error(rerr))
					return 1
				}
				cfg = config.GlobalCfg
			}
			mgr.Reset()
		case lifecycle.SoftRestart:
			log.Info("soft restart")
			mgr.Reset()
		default:
			if err != nil {
				log.Error("runtime failure", zap.Error(err))
				return 2
			}
			return 0
		}
	}
}

func runOnce(cfg *config.Config, mgr *lifecycle.Manager) error {
	log := vpnlog.L

	if cfg.Mode == config.ModeServer {
		return runServer(cfg, mgr)
	}

	dev, err := tun.CreateTUN("motovpn%d", cfg.TunMTUOrDefault())
	if err != nil {
		return fmt.Errorf("create tun device: %w", err)
	}
	tdev := tunif.Wrap(dev)
	defer tdev.Close()

	drv, err := buildDriver(cfg, cfg.TLSServer)
	if err != nil {
		return err
	}
	drv.OnCondition = mgr.Set

	var transport ioloop.Transport
	switch cfg.Proto {
	case config.ProtoUDP:
		u, err := link.DialUDP(cfg.Local, cfg.Remote)
		if err != nil {
			return fmt.Errorf("udp endpoint: %w", err)
		}
		defer u.Close()
		transport = u
	case config.ProtoTCPClient:
		c, err := link.DialTCP(cfg.Remote, 30*time.Second)
		if err != nil {
			return fmt.Errorf("tcp endpoint: %w", err)
		}
		defer c.Close()
		transport = c
	case config.ProtoTCPServer:
		ln, err := net.Listen("tcp4", cfg.Local)
		if err != nil {
			return fmt.Errorf("tcp listen: %w", err)
		}
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return fmt.Errorf("tcp accept: %w", err)
		}
		c := link.NewTCP(conn)
		defer c.Close()
		transport = c
	default:
		return fmt.Errorf("proto %q not supported in p2p mode", cfg.Proto)
	}

	now := time.Now()
	if err := drv.Start(now); err != nil {
		return err
	}

	if cfg.ExplicitExitNotify > 0 {
		defer func() {
			if mgr.Current() != lifecycle.Terminate {
				return
			}
			notifier := lifecycle.NewExitNotifier(
				transport.WritePacket,
				drv.ExitNotifyPayload(),
				cfg.ExplicitExitNotify,
				time.Second,
			)
			notifier.Fire(make(chan struct{}))
		}()
	}

	loop := ioloop.New(transport, tdev, drv, cfg.ShaperBPS, mgr.Notify(), log)
	log.Info("tunnel up",
		zap.String("proto", string(cfg.Proto)),
		zap.String("mode", string(cfg.Mode)),
		zap.String("cipher", cfg.Cipher))
	return loop.Run(context.Background())
}

// buildDriver assembles the forwarding engine from configuration.
func buildDriver(cfg *config.Config, isServer bool) (*peer.Driver, error) {
	suite, err := crypto.SuiteByName(cfg.Cipher, cfg.Auth)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := buildTLSConfig(cfg, isServer)
	if err != nil {
		return nil, err
	}

	var auth *peer.TLSAuth
	if cfg.TLSAuthFile != "" {
		key, err := crypto.LoadStaticKey(cfg.TLSAuthFile)
		if err != nil {
			return nil, fmt.Errorf("tls-auth key: %w", err)
		}
		dir := 0
		if isServer {
			dir = 1
		}
		auth = peer.NewTLSAuth(key, dir, cfg.ReplayWindow, cfg.ReplayTime())
	}

	var flusher *pktid.PersistFlusher
	if cfg.PacketIDFile != "" {
		flusher = pktid.NewPersistFlusher(cfg.PacketIDFile)
	}

	fp := frame.Params{
		LinkMTU: cfg.LinkMTUOrDefault(),
		TunMTU:  cfg.TunMTUOrDefault(),
		Overhead: frame.Overhead{
			CryptoIVAndHMAC: 48,
			PacketID:        8,
			Fragment:        fragOverhead(cfg),
			OpcodeSession:   9,
			Compression:     compOverhead(cfg),
		},
	}

	longForm := pktid.ShortForm
	if !cfg.NoReplay {
		longForm = pktid.Long
	}

	return peer.NewDriver(peer.Options{
		IsServer:         isServer,
		TCPMode:          cfg.Proto != config.ProtoUDP,
		Frame:            fp,
		Suite:            suite,
		LongForm:         longForm,
		NoReplay:         cfg.NoReplay || cfg.Proto != config.ProtoUDP,
		ReplayWindowSize: cfg.ReplayWindow,
		ReplayTime:       cfg.ReplayTime(),
		FragmentSize:     cfg.FragmentSize,
		MSSFixLimit:      cfg.MSSFix,
		Compress:         cfg.Compress,
		PingInterval:     time.Duration(cfg.PingSec) * time.Second,
		PingRestartWait:  time.Duration(cfg.PingRestartSec) * time.Second,
		InactiveWait:     time.Duration(cfg.InactiveSec) * time.Second,
		RenegSeconds:     cfg.RenegSeconds,
		RenegBytes:       cfg.RenegBytes,
		RenegPackets:     cfg.RenegPackets,
		HandshakeWindow:  cfg.HandshakeWindow(),
		TransitionWindow: cfg.TransitionWindow(),
		OCC: session.OCCOptions{
			Proto:       string(cfg.Proto),
			LinkMTU:     fp.LinkMTU,
			TunMTU:      fp.TunMTU,
			Cipher:      cfg.Cipher,
			Auth:        cfg.Auth,
			KeySizeBits: suite.KeyLen() * 8,
		},
		TLSConfig:       tlsCfg,
		TLSAuth:         auth,
		PacketIDFlusher: flusher,
		Log:             vpnlog.L,
	}), nil
}

func buildTLSConfig(cfg *config.Config, isServer bool) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("load ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CAFile)
		}
		if isServer {
			tc.ClientCAs = pool
			tc.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tc.RootCAs = pool
			// The peer authenticates by certificate, not hostname.
			tc.InsecureSkipVerify = true
			tc.VerifyPeerCertificate = verifyAgainstPool(pool)
		}
	}
	return tc, nil
}

// verifyAgainstPool performs chain validation against the configured CA
// when hostname verification is disabled.
func verifyAgainstPool(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no peer certificate presented")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			c, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, c)
		}
		inter := x509.NewCertPool()
		for _, c := range certs[1:] {
			inter.AddCert(c)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: pool, Intermediates: inter})
		return err
	}
}

func fragOverhead(cfg *config.Config) int {
	if cfg.FragmentSize > 0 {
		return 5
	}
	return 0
}

func compOverhead(cfg *config.Config) int {
	if cfg.Compress {
		return 1
	}
	return 0
}
