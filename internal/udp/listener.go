// Package udp is the rendezvous listener. A client sends "PIN=<pin>" and the
// source address of the datagram is taken as its reachable endpoint.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/telemetry"
)

const (
	pinPrefix = "PIN="
	// ReplyAck acknowledges a PIN datagram.
	ReplyAck = "PIN_ACK"
	// ReplyErrorPrefix precedes the error code of a failed datagram.
	ReplyErrorPrefix = "ERROR="

	codeInvalidRequest = "INVALID_REQUEST"

	maxDatagram  = 512
	maxPinLength = 64
	maxInFlight  = 256
	limiterIdle  = 5 * time.Minute
	relayTimeout = 10 * time.Second
)

// Relayer receives observed endpoints.
type Relayer interface {
	RelayEndpoint(ctx context.Context, pin, address string, port int) error
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Listener serves PIN datagrams on one UDP socket.
type Listener struct {
	conn   net.PacketConn
	relay  Relayer
	logger *slog.Logger

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[netip.Addr]*limiterEntry

	inFlight *semaphore.Weighted
	wg       sync.WaitGroup
}

// Option configures a Listener.
type Option func(*Listener)

// WithRate limits datagrams per source address.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Listener) {
		l.limit = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// Listen opens the UDP socket on addr.
func Listen(addr string, relay Relayer, opts ...Option) (*Listener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on udp %s: %w", addr, err)
	}
	l := &Listener{
		conn:     conn,
		relay:    relay,
		logger:   slog.Default(),
		limit:    20,
		burst:    40,
		limiters: make(map[netip.Addr]*limiterEntry),
		inFlight: semaphore.NewWeighted(maxInFlight),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "udp")
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close closes the socket; Serve returns once in-flight datagrams are done.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Serve reads datagrams until ctx is cancelled or the socket is closed.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()
	defer l.wg.Wait()

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	l.logger.Info("udp listener started", "addr", l.Addr().String())
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("udp read failed", "error", err)
			continue
		}

		select {
		case <-sweep.C:
			l.sweepLimiters(time.Now())
		default:
		}

		src, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		ap := src.AddrPort()
		if !l.allow(ap.Addr().Unmap(), time.Now()) {
			telemetry.RecordUDPDatagram(ctx, "rate_limited")
			continue
		}
		if !l.inFlight.TryAcquire(1) {
			telemetry.RecordUDPDatagram(ctx, "busy")
			continue
		}

		payload := string(buf[:n])
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.inFlight.Release(1)
			l.handle(ctx, payload, addr, ap)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, payload string, addr net.Addr, ap netip.AddrPort) {
	reply := l.process(ctx, payload, ap)
	if _, err := l.conn.WriteTo([]byte(reply), addr); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Warn("udp reply failed", "to", addr.String(), "error", err)
	}
}

// process relays one datagram and returns the reply.
func (l *Listener) process(ctx context.Context, payload string, ap netip.AddrPort) string {
	pin, ok := parsePin(payload)
	if !ok {
		telemetry.RecordUDPDatagram(ctx, "malformed")
		return ReplyErrorPrefix + codeInvalidRequest
	}

	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()

	address := ap.Addr().Unmap().String()
	err := l.relay.RelayEndpoint(ctx, pin, address, int(ap.Port()))
	if err == nil {
		telemetry.RecordUDPDatagram(ctx, "ack")
		return ReplyAck
	}

	code := apperr.CodeGeneric
	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindGeneric {
		code = e.Code
	} else {
		l.logger.Error("relaying endpoint", "pin", pin, "from", ap.String(), "error", err)
	}
	telemetry.RecordUDPDatagram(ctx, strings.ToLower(code))
	return ReplyErrorPrefix + code
}

// parsePin extracts the PIN from "PIN=<pin>".
func parsePin(payload string) (string, bool) {
	pin, ok := strings.CutPrefix(strings.TrimSpace(payload), pinPrefix)
	if !ok || pin == "" || len(pin) > maxPinLength {
		return "", false
	}
	for _, r := range pin {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", false
		}
	}
	return pin, true
}

func (l *Listener) allow(ip netip.Addr, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *Listener) sweepLimiters(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.limiters {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.limiters, ip)
		}
	}
}
