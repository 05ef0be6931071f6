package main

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/tun"

	"motovpn/internal/config"
	"motovpn/internal/lifecycle"
	"motovpn/internal/link"
	"motovpn/internal/peer"
	"motovpn/internal/server"
	"motovpn/internal/tunif"
	"motovpn/internal/vpnlog"
)

// newConnWindow bounds the hard-reset admission rate per source address.
const (
	newConnLimit  = 64
	newConnWindow = 30 * time.Second
)

type udpPacket struct {
	buf  []byte
	addr *net.UDPAddr
}

// serverEngine drives the UDP server multiplex: one listening socket, one
// tun device, a per-client instance table. All state is mutated on the
// single loop goroutine; the reader goroutines only feed channels.
type serverEngine struct {
	cfg  *config.Config
	log  *zap.Logger
	conn *net.UDPConn
	tdev tunif.Device

	mux     *server.Multiplexer
	reaper  *server.Reaper
	status  *server.StatusWriter
	drivers map[*server.Instance]*peer.Driver
	addrs   map[*server.Instance]*net.UDPAddr

	routeTTL time.Duration
}

func runServer(cfg *config.Config, mgr *lifecycle.Manager) error {
	log := vpnlog.L

	conn, err := link.ListenUDP(cfg.Local)
	if err != nil {
		return fmt.Errorf("server endpoint: %w", err)
	}
	defer conn.Close()

	dev, err := tun.CreateTUN("motovpn%d", cfg.TunMTUOrDefault())
	if err != nil {
		return fmt.Errorf("create tun device: %w", err)
	}
	tdev := tunif.Wrap(dev)
	defer tdev.Close()

	e := &serverEngine{
		cfg:      cfg,
		log:      log,
		conn:     conn,
		tdev:     tdev,
		mux:      server.NewMultiplexer(cfg.MaxClients, cfg.ClientToClient, cfg.DuplicateCN, newConnLimit, newConnWindow),
		drivers:  make(map[*server.Instance]*peer.Driver),
		addrs:    make(map[*server.Instance]*net.UDPAddr),
		routeTTL: time.Duration(cfg.AgeableRouteTTLSec) * time.Second,
	}
	e.reaper = server.NewReaper(e.mux.Routes(), 16)
	e.status = server.NewStatusWriter(cfg.StatusFile, time.Duration(cfg.StatusUpdateSec)*time.Second)

	udpCh := make(chan udpPacket, 16)
	go func() {
		for {
			buf := make([]byte, 65536)
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				close(udpCh)
				return
			}
			udpCh <- udpPacket{buf: buf[:n], addr: addr}
		}
	}()

	tunCh := make(chan []byte, 16)
	go func() {
		bufs := make([][]byte, 1)
		sizes := make([]int, 1)
		for {
			bufs[0] = make([]byte, 65536)
			n, err := tdev.Read(bufs, sizes, 0)
			if err != nil {
				close(tunCh)
				return
			}
			if n > 0 {
				tunCh <- bufs[0][:sizes[0]]
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	log.Info("server up",
		zap.String("local", cfg.Local),
		zap.Int("max_clients", cfg.MaxClients),
		zap.Bool("client_to_client", cfg.ClientToClient))

	for {
		select {
		case <-mgr.Notify():
			return nil
		case pkt, ok := <-udpCh:
			if !ok {
				return fmt.Errorf("server: endpoint socket closed")
			}
			e.handleEndpoint(pkt, time.Now())
		case frame, ok := <-tunCh:
			if !ok {
				return fmt.Errorf("server: tun device closed")
			}
			e.handleTun(frame, time.Now())
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

// handleEndpoint demultiplexes one inbound datagram by real source address,
// creating an instance on an admissible hard-reset from an unknown source.
func (e *serverEngine) handleEndpoint(pkt udpPacket, now time.Time) {
	if len(pkt.buf) < 1 {
		return
	}
	key := server.RealAddrKeyFromUDP(pkt.addr)
	inst, ok := e.mux.Lookup(key)
	if !ok {
		var err error
		inst, err = e.mux.CreateClient(key, pkt.buf[0], pkt.addr.IP.String(),
			e.cfg.ReplayWindow, e.cfg.ReplayTime(), !e.cfg.DuplicateCN, e.cfg.TCPQueueLimit)
		if err != nil {
			e.log.Debug("rejected datagram from unknown source", zap.String("addr", pkt.addr.String()), zap.Error(err))
			return
		}
		drv, err := buildDriver(e.cfg, true)
		if err != nil {
			e.log.Error("instance driver", zap.Error(err))
			e.mux.Remove(inst)
			return
		}
		if err := drv.Start(now); err != nil {
			e.log.Error("instance start", zap.Error(err))
			e.mux.Remove(inst)
			return
		}
		e.drivers[inst] = drv
		e.addrs[inst] = pkt.addr
		e.log.Info("new client instance", zap.String("addr", pkt.addr.String()))
	}

	drv := e.drivers[inst]
	tunFrame, err := drv.DecryptAndDeliver(pkt.buf, now)
	if err != nil {
		e.log.Debug("receive pipeline dropped packet", zap.Error(err))
	}
	drv.PullControlMessages(now)
	e.flushControl(inst, drv, now)

	if tunFrame == nil {
		return
	}

	src, dst, bcast, isIPv4 := server.VirtualKeys(tunFrame)
	if !isIPv4 {
		return
	}
	e.mux.Routes().Learn(src, inst, server.RouteAgeable, e.routeTTL, now)

	decision, target := e.mux.RouteDecision(dst, bcast, now)
	switch decision {
	case server.ForwardToPeer:
		e.sendToClient(target, tunFrame, now)
	case server.ForwardBroadcast:
		for _, other := range e.mux.AllInstancesExcept(inst) {
			e.sendToClient(other, tunFrame, now)
		}
	case server.ForwardDropNoClientToClient:
		// client-to-client relay disabled
	default:
		if _, err := e.tdev.Write([][]byte{tunFrame}, 0); err != nil {
			e.log.Warn("tun write", zap.Error(err))
		}
	}
}

// handleTun routes one locally originated frame to the owning client, or to
// every client for broadcast/multicast destinations.
func (e *serverEngine) handleTun(frame []byte, now time.Time) {
	_, dst, bcast, isIPv4 := server.VirtualKeys(frame)
	if !isIPv4 {
		return
	}
	decision, target := e.mux.RouteDecision(dst, bcast, now)
	switch decision {
	case server.ForwardToPeer:
		e.sendToClient(target, frame, now)
	case server.ForwardBroadcast, server.ForwardDropNoClientToClient:
		for _, inst := range e.mux.AllInstancesExcept(nil) {
			e.sendToClient(inst, frame, now)
		}
	default:
		e.log.Debug("no route for tun frame", zap.String("dst", dst))
	}
}

// sendToClient runs the instance's send pipeline and transmits the result
// (plus any queued fragments).
func (e *serverEngine) sendToClient(inst *server.Instance, frame []byte, now time.Time) {
	drv, ok := e.drivers[inst]
	if !ok {
		return
	}
	out, err := drv.EncryptForSend(frame, now)
	if err != nil {
		e.log.Debug("send pipeline dropped packet", zap.Error(err))
		return
	}
	e.transmit(inst, out)
	for {
		f, ok := drv.RunFragmentHousekeeping(now)
		if !ok {
			break
		}
		e.transmit(inst, f)
	}
}

func (e *serverEngine) transmit(inst *server.Instance, frame []byte) {
	addr := e.addrs[inst]
	if frame == nil || addr == nil {
		return
	}
	if _, err := e.conn.WriteToUDP(frame, addr); err != nil {
		e.log.Warn("endpoint write", zap.Error(err))
	}
}

// flushControl drains any control frames the instance's TLS machinery
// produced.
func (e *serverEngine) flushControl(inst *server.Instance, drv *peer.Driver, now time.Time) {
	for {
		f, ok := drv.RunTLS(now)
		if !ok {
			break
		}
		e.transmit(inst, f)
	}
}

// tick runs the coarse plane for every instance: timers, control
// retransmits, fragment housekeeping, the route reaper, and the status
// file.
func (e *serverEngine) tick(now time.Time) {
	for inst, drv := range e.drivers {
		if inst.Closed() {
			delete(e.drivers, inst)
			delete(e.addrs, inst)
			continue
		}
		drv.RunCoarseTimers(now)
		e.flushControl(inst, drv, now)
		for {
			f, ok := drv.RunFragmentHousekeeping(now)
			if !ok {
				break
			}
			e.transmit(inst, f)
		}
	}
	e.reaper.Tick(now)
	if err := e.status.MaybeWrite(e.mux, now); err != nil {
		e.log.Warn("status file", zap.Error(err))
	}
}
