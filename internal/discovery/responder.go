package discovery

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Port is the UDP port probes arrive on.
const Port = 4837

// probeToken is the payload a client broadcasts when looking for an instance.
const probeToken = "ZHER_DISCOVERY"

// replyPrefix leads the answer; the HTTP service port follows.
const replyPrefix = "ZHER_SERVICE:"

// readTimeout bounds each blocking read so the loop can poll its flags.
const readTimeout = 500 * time.Millisecond

// Responder answers LAN discovery probes over UDP. Disabling it only
// suppresses replies while the socket keeps draining, so stale probes never
// queue up for a reply after a re-enable. Stopping tears the socket down.
type Responder struct {
	addr        string
	servicePort int

	enabled atomic.Bool
	running atomic.Bool
	conn    *net.UDPConn
}

// New prepares a responder listening on addr that advertises servicePort in
// its replies. The socket is not bound until Start.
func New(addr string, servicePort int) *Responder {
	r := &Responder{addr: addr, servicePort: servicePort}
	r.enabled.Store(true)
	return r
}

// Start binds the UDP socket and serves probes until Stop. Starting an
// already running responder is a no-op.
func (r *Responder) Start() error {
	if r.running.Load() {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", r.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return err
	}
	r.conn = conn
	r.running.Store(true)

	go r.serve()
	slog.Info("discovery responder started", "addr", conn.LocalAddr().String())
	return nil
}

// Stop aborts the serving loop and closes the socket.
func (r *Responder) Stop() {
	if !r.running.Swap(false) {
		return
	}
	_ = r.conn.Close()
	slog.Info("discovery responder stopped")
}

// SetEnabled flips whether probes are answered.
func (r *Responder) SetEnabled(enabled bool) {
	r.enabled.Store(enabled)
	slog.Info("discovery replies toggled", "enabled", enabled)
}

// Enabled reports whether probes are currently answered.
func (r *Responder) Enabled() bool {
	return r.enabled.Load()
}

// Running reports whether the socket loop is alive.
func (r *Responder) Running() bool {
	return r.running.Load()
}

// Addr returns the bound UDP address, or nil before Start.
func (r *Responder) Addr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *Responder) serve() {
	buf := make([]byte, 1024)
	reply := []byte(replyPrefix + strconv.Itoa(r.servicePort))

	for {
		if !r.running.Load() {
			return
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !r.running.Load() {
				return
			}
			slog.Error("discovery read failed", "err", err)
			continue
		}

		if !r.enabled.Load() {
			continue
		}
		if strings.TrimSpace(string(buf[:n])) != probeToken {
			continue
		}

		slog.Info("discovery probe", "from", src.String())
		if _, err := r.conn.WriteToUDP(reply, src); err != nil {
			slog.Error("discovery reply failed", "to", src.String(), "err", err)
		}
	}
}
