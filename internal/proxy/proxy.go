// Package proxy bridges WebSocket clients to the TCP port of instances that
// have no public endpoint of their own.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ctf-arena/internal/monitor"
	"ctf-arena/internal/storage"
)

const bufferSize = 32 << 10

// Resolver looks up instances by id. *instance.Manager implements it.
type Resolver interface {
	Get(ctx context.Context, id string) (*storage.Instance, error)
}

type Options struct {
	DialTimeout time.Duration
	IdleTimeout time.Duration
}

// Proxy serves GET /proxy/{id} on its own listener.
type Proxy struct {
	server    *http.Server
	addr      string
	instances Resolver
	metrics   *monitor.Metrics
	opts      Options
	upgrader  websocket.Upgrader
	dialer    net.Dialer
	log       zerolog.Logger
}

func New(addr string, instances Resolver, metrics *monitor.Metrics, opts Options) *Proxy {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	p := &Proxy{
		addr:      addr,
		instances: instances,
		metrics:   metrics,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			// The unguessable instance id is the capability; any origin may use it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: net.Dialer{Timeout: opts.DialTimeout},
		log:    log.With().Str("component", "proxy").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /proxy/{id}", p.handleProxy)

	p.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

// Handler exposes the routes for tests and embedding.
func (p *Proxy) Handler() http.Handler {
	return p.server.Handler
}

// Start begins listening. It returns an error if the bind fails.
// The server runs in a background goroutine.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	p.log.Info().Str("addr", ln.Addr().String()).Msg("instance proxy listening")
	go func() {
		_ = p.server.Serve(ln) // returns on Close/Shutdown
	}()
	return nil
}

// Close stops accepting connections. Hijacked WebSocket streams are not
// tracked by Shutdown and end with their idle timeout or peer.
func (p *Proxy) Close(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

func (p *Proxy) handleProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := p.instances.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}
		p.log.Error().Err(err).Str("instance_id", id).Msg("instance lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !inst.IsProxy {
		http.Error(w, "instance is reachable directly", http.StatusForbidden)
		return
	}
	if inst.Status != storage.InstanceRunning || inst.IP == "" || inst.Port <= 0 {
		http.Error(w, "instance is not running", http.StatusConflict)
		return
	}

	target := net.JoinHostPort(inst.IP, strconv.Itoa(inst.Port))
	upstream, err := p.dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		p.log.Warn().Err(err).Str("instance_id", id).Str("target", target).Msg("dial to instance failed")
		http.Error(w, "instance unreachable", http.StatusBadGateway)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		upstream.Close()
		return
	}

	p.metrics.ProxyConnections.Inc()
	defer p.metrics.ProxyConnections.Dec()

	logger := p.log.With().Str("instance_id", id).Str("remote_addr", r.RemoteAddr).Logger()
	logger.Debug().Str("target", target).Msg("proxy stream opened")
	sent, received := p.bridge(ws, upstream)
	logger.Debug().Int64("bytes_up", sent).Int64("bytes_down", received).Msg("proxy stream closed")
}

// bridge copies in both directions until either side ends or stays idle past
// IdleTimeout, then closes both.
func (p *Proxy) bridge(ws *websocket.Conn, upstream net.Conn) (sent, received int64) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			ws.Close()
			upstream.Close()
		})
	}
	defer closeBoth()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer closeBoth()
		buf := make([]byte, bufferSize)
		for {
			_ = upstream.SetReadDeadline(time.Now().Add(p.opts.IdleTimeout))
			n, err := upstream.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
				received += int64(n)
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(p.opts.IdleTimeout))
		kind, r, err := ws.NextReader()
		if err != nil {
			break
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		n, err := io.Copy(upstream, r)
		sent += n
		if err != nil {
			break
		}
	}
	closeBoth()
	wg.Wait()
	return sent, received
}
