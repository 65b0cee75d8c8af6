// Command cpcd is the co-processor communication daemon: it owns the
// physical link to a secondary MCU, multiplexes it into endpoints, and
// fans each endpoint out to local clients over a unixpacket socket.
// Flag parsing and the construct-then-run shape follow
// librescoot-bluetooth-service/cmd/bluetooth-service/main.go.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/librecpc/cpcd/internal/config"
	"github.com/librecpc/cpcd/internal/core"
	"github.com/librecpc/cpcd/internal/driver"
	"github.com/librecpc/cpcd/internal/eventloop"
	"github.com/librecpc/cpcd/internal/frame"
	"github.com/librecpc/cpcd/internal/security"
	"github.com/librecpc/cpcd/internal/servercore"
	"github.com/librecpc/cpcd/internal/sysendpoint"
)

var (
	configPath = flag.String("config", "/etc/cpcd/cpcd.toml", "Path to the daemon's TOML configuration file")
)

func main() {
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "cpcd"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(cfg.RunDir, 0o750); err != nil {
		logger.Fatalf("create run dir: %v", err)
	}

	d, err := openDriver(cfg)
	if err != nil {
		logger.Fatalf("open driver: %v", err)
	}
	defer d.Close()

	daemon, err := newDaemon(cfg, d, logger)
	if err != nil {
		logger.Fatalf("construct daemon: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Infof("cpcd ready, transport=%s run_dir=%s", cfg.Transport, cfg.RunDir)
	daemon.Run(sigCh)
}

func openDriver(cfg config.Config) (driver.Driver, error) {
	switch cfg.Transport {
	case config.TransportUART:
		return driver.OpenUART(cfg.UART.Device, cfg.UART.Baud)
	case config.TransportSPI:
		return driver.OpenSPI(cfg.SPI.Device, cfg.SPI.SpeedHz)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// frameSink adapts the Driver's io.Writer onto core.FrameSink and
// sysendpoint.FrameSink.
type frameSink struct {
	d   driver.Driver
	mtu int
}

func (s *frameSink) SendFrame(wire []byte) error {
	_, err := s.d.Write(wire)
	return err
}

func (s *frameSink) SendUInformation(endpointID uint8, payload []byte) error {
	ctrl := frame.Control{Type: frame.TypeUnnumbered, SubType: uint8(frame.UInformation), PF: true}
	wire, err := frame.Encode(endpointID, ctrl, 0, payload, s.mtu)
	if err != nil {
		return err
	}
	return s.SendFrame(wire)
}

// coreHandle narrows *core.Core to servercore.CoreFace, converting
// core.State to the plain uint8 servercore expects so the two packages
// don't share a type dependency. Its target is assigned once core.New
// returns, letting ServerCore and Core be constructed in either order
// despite each needing the other (ServerCore needs a CoreFace, Core
// needs a Notifier that in turn calls into ServerCore).
type coreHandle struct{ c *core.Core }

func (h *coreHandle) Write(id uint8, payload []byte) error { return h.c.Write(id, payload) }
func (h *coreHandle) RXQueue(id uint8) [][]byte            { return h.c.RXQueue(id) }
func (h *coreHandle) StateOf(id uint8) uint8                { return uint8(h.c.StateOf(id)) }
func (h *coreHandle) Open(id uint8, window int) error       { return h.c.Open(id, window) }
func (h *coreHandle) Close(id uint8) error                  { return h.c.Close(id) }

// daemon wires every component together and drives the single-threaded
// event loop.
type daemon struct {
	cfg config.Config
	log *log.Logger

	d        driver.Driver
	decoder  *frame.Decoder
	core     *core.Core
	security *security.Security
	sysReg   *sysendpoint.Registry
	sc       *servercore.ServerCore
	el       *eventloop.EventLoop
	resetCh  chan struct{}
}

type notifier struct {
	sc      *servercore.ServerCore
	sysReg  *sysendpoint.Registry
	log     *log.Logger
	resetCh chan struct{}
}

func (n *notifier) OnConnectionLost(id uint8) {
	n.log.Warnf("endpoint %d: connection lost", id)
	n.sysReg.MarkPeerClosed(id)
	n.sc.Broadcast(id, []byte{byte(servercoreStateConnectionLost)})
}
func (n *notifier) OnClosed(id uint8) {
	n.sysReg.MarkPeerClosed(id)
}
func (n *notifier) OnOpened(id uint8) {
	n.sysReg.MarkPeerOpen(id, true)
}
func (n *notifier) OnError(id uint8, st core.State) {
	n.log.Errorf("endpoint %d: entered error state %v", id, st)
	n.sysReg.MarkPeerClosed(id)
	if st == core.StateErrorSecurityIncident {
		n.sysReg.SetLastResetCause(sysendpoint.ResetCauseSecurityIncident)
	} else if st == core.StateErrorFaultNoAck {
		n.sysReg.SetLastResetCause(sysendpoint.ResetCauseFaultNoAck)
	}
}

// OnLinkReset fires while Core still holds its internal lock, once every
// endpoint has already been dropped to Closed in response to an
// unsolicited link-wide reset (spec.md §6, §7 error-kind 3). It must not
// call back into Core synchronously, so it only notifies registered
// client pids and records the cause here; the actual re-handshake is
// queued for daemon.driveLinkResets to run from its own goroutine once
// Core's lock is free.
func (n *notifier) OnLinkReset() {
	n.log.Warnf("link reset: notifying clients, re-handshake queued")
	n.sysReg.SetLastResetCause(sysendpoint.ResetCausePeerInitiated)
	n.sc.NotifyReset()
	select {
	case n.resetCh <- struct{}{}:
	default:
	}
}

const servercoreStateConnectionLost = 3 // mirrors protocol.StateConnectionLost

func newDaemon(cfg config.Config, d driver.Driver, logger *log.Logger) (*daemon, error) {
	el, err := eventloop.New()
	if err != nil {
		return nil, err
	}

	sink := &frameSink{d: d, mtu: cfg.MTU}
	sec := security.New(0, logger)
	sysReg := sysendpoint.NewRegistry(sink)

	handle := &coreHandle{}
	sc := servercore.New(cfg.RunDir, handle, sysReg, cfg.MTU, logger)
	resetCh := make(chan struct{}, 1)
	n := &notifier{sc: sc, sysReg: sysReg, log: logger, resetCh: resetCh}

	coreCfg := core.Config{MaxRetries: cfg.RTO.MaxRetries, MTU: cfg.MTU}
	c := core.New(sink, sec, n, coreCfg, logger)
	handle.c = c

	return &daemon{
		cfg:      cfg,
		log:      logger,
		d:        d,
		decoder:  frame.NewDecoder(cfg.MTU),
		core:     c,
		security: sec,
		sysReg:   sysReg,
		sc:       sc,
		el:       el,
		resetCh:  resetCh,
	}, nil
}

// Run registers the driver fd and a self-rescheduling retransmit timer,
// spawns the rekey-request consumer, and services the event loop until
// a shutdown signal arrives.
func (dm *daemon) Run(sigCh <-chan os.Signal) {
	_ = dm.core.Open(core.SystemEndpoint, 1)
	_ = dm.core.Open(core.SecurityEndpoint, 1)

	// Control socket (ctrl.cpcd.sock), the entry point clients dial first.
	if err := dm.sc.EnsureListening(0); err != nil {
		dm.log.Errorf("control socket: %v", err)
	}

	_ = dm.el.Register(dm.d.Fd(), false, dm.onDriverReadable, nil)
	dm.rearmRetransmitTimer()
	dm.rearmAckTimer()

	stopCh := make(chan struct{})
	go func() {
		<-sigCh
		close(stopCh)
	}()
	go dm.driveRekeys(stopCh)
	go dm.driveLinkResets(stopCh)

	if msg, err := dm.security.BeginHandshake(uint64(time.Now().UnixNano())); err == nil {
		if err := dm.core.Write(core.SecurityEndpoint, msg.Encode()); err != nil {
			dm.log.Errorf("initial handshake: send: %v", err)
		}
	} else {
		dm.log.Errorf("initial handshake: begin: %v", err)
	}

	for {
		select {
		case <-stopCh:
			dm.shutdown()
			return
		default:
		}
		if err := dm.el.RunOnce(50 * time.Millisecond); err != nil {
			dm.log.Errorf("event loop: %v", err)
		}
	}
}

// driveRekeys watches Security's rekey-request channel and runs a fresh
// handshake on the security endpoint each time one is requested, either
// because the send counter neared its rekey threshold or because three
// security incidents occurred within the incident window.
func (dm *daemon) driveRekeys(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-dm.security.RekeyRequests():
			msg, err := dm.security.BeginHandshake(uint64(time.Now().UnixNano()))
			if err != nil {
				dm.log.Errorf("rekey: begin handshake: %v", err)
				continue
			}
			if err := dm.core.Write(core.SecurityEndpoint, msg.Encode()); err != nil {
				dm.log.Errorf("rekey: send handshake message: %v", err)
			}
		}
	}
}

// driveLinkResets watches for the notifier's link-reset signal and runs a
// fresh handshake from scratch. Kept on its own goroutine, rather than run
// inline from notifier.OnLinkReset, because OnLinkReset fires from inside
// Core's locked section and calling back into Core.Write from there would
// deadlock on Core's own mutex.
func (dm *daemon) driveLinkResets(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-dm.resetCh:
			dm.security.Reset()
			msg, err := dm.security.BeginHandshake(uint64(time.Now().UnixNano()))
			if err != nil {
				dm.log.Errorf("link reset: begin handshake: %v", err)
				continue
			}
			if err := dm.core.Write(core.SecurityEndpoint, msg.Encode()); err != nil {
				dm.log.Errorf("link reset: send handshake: %v", err)
			}
		}
	}
}

func (dm *daemon) onDriverReadable() {
	buf := make([]byte, 4096)
	n, err := dm.d.Read(buf)
	if err != nil {
		return
	}
	dm.decoder.Feed(buf[:n])
	for {
		ev, ok := dm.decoder.Next()
		if !ok {
			return
		}
		if ev.Frame == nil {
			if ev.Garbage > 0 {
				dm.core.RecordProtocolViolation()
			}
			continue // discarded garbage run
		}
		dm.core.HandleFrame(ev.Frame)
		if ev.Frame.Address == core.SecurityEndpoint {
			dm.handleSecurityRX()
			continue
		}
		dm.sc.DrainRXQueue(ev.Frame.Address)
	}
}

// handleSecurityRX drains the security endpoint's RX queue and drives
// the handshake state machine for each handshake message received: a
// reply to a handshake we started completes it as initiator, while an
// unsolicited message means the peer started one and we respond in kind
// before completing as responder.
func (dm *daemon) handleSecurityRX() {
	for _, payload := range dm.core.RXQueue(core.SecurityEndpoint) {
		msg, err := security.DecodeHandshakeMessage(payload)
		if err != nil {
			dm.log.Errorf("security: decode handshake message: %v", err)
			continue
		}

		if dm.security.StateNow() == security.StateInitializing {
			if err := dm.security.CompleteHandshake(msg.EphemeralPublic, true); err != nil {
				dm.log.Errorf("security: complete handshake as initiator: %v", err)
			} else {
				dm.core.RetryPendingWrites()
			}
			continue
		}

		reply, err := dm.security.BeginHandshake(msg.RequestID)
		if err != nil {
			dm.log.Errorf("security: begin responder handshake: %v", err)
			continue
		}
		if err := dm.core.Write(core.SecurityEndpoint, reply.Encode()); err != nil {
			dm.log.Errorf("security: send responder handshake: %v", err)
			continue
		}
		if err := dm.security.CompleteHandshake(msg.EphemeralPublic, false); err != nil {
			dm.log.Errorf("security: complete handshake as responder: %v", err)
		} else {
			dm.core.RetryPendingWrites()
		}
	}
}

// rearmRetransmitTimer schedules the event loop to wake at Core's next
// retransmit deadline, fire every expired timer, then reschedule itself.
func (dm *daemon) rearmRetransmitTimer() {
	deadline, ok := dm.core.NextTimerDeadline()
	delay := 50 * time.Millisecond
	if ok {
		if d := time.Until(deadline); d > 0 {
			delay = d
		} else {
			delay = 0
		}
	}
	dm.el.ArmTimer(delay, 0, func() {
		for _, id := range dm.core.PopExpiredTimers(time.Now()) {
			dm.core.ExpireTimer(id)
			dm.sc.DrainRXQueue(id)
		}
		dm.rearmRetransmitTimer()
	})
}

// rearmAckTimer schedules the event loop to wake at Core's next
// delayed-ack deadline, fire every expired one, then reschedule itself.
func (dm *daemon) rearmAckTimer() {
	deadline, ok := dm.core.NextAckTimerDeadline()
	delay := DefaultAckPollInterval
	if ok {
		if d := time.Until(deadline); d > 0 {
			delay = d
		} else {
			delay = 0
		}
	}
	dm.el.ArmTimer(delay, 0, func() {
		for _, id := range dm.core.PopExpiredAckTimers(time.Now()) {
			dm.core.ExpireAckTimer(id)
		}
		dm.rearmAckTimer()
	})
}

// DefaultAckPollInterval is how often the event loop wakes to check for
// a delayed-ack deadline when no ack timer is currently armed.
const DefaultAckPollInterval = 50 * time.Millisecond

// shutdown sends U-Reset on every open endpoint and waits up to 1s for
// U-Acks before releasing resources.
func (dm *daemon) shutdown() {
	dm.log.Infof("shutting down")
	for id := uint8(0); id < 15; id++ {
		_ = dm.core.Close(id)
	}
	// Keep servicing the driver until no endpoint is still Closing or the
	// 1s budget runs out.
	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		closing := false
		for id := uint8(0); id < 15; id++ {
			if dm.core.StateOf(id) == core.StateClosing {
				closing = true
			}
		}
		if !closing {
			break
		}
		_ = dm.el.RunOnce(time.Until(deadline))
	}
	dm.sc.Shutdown()
	_ = dm.el.Shutdown()
}
