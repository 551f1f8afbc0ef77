package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// listener is the short-lived HTTPS server that receives the OAuth redirect.
// Its lifecycle is strictly scoped to one OAuth attempt; leaking it would keep
// a TLS port open with access to the pending verifier.
type listener struct {
	server *http.Server
	logger *zap.Logger
	done   chan struct{}
}

func newListener(addr string, cert tls.Certificate, handler http.Handler, logger *zap.Logger) *listener {
	return &listener{
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			TLSConfig:    &tls.Config{Certificates: []tls.Certificate{cert}},
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// start binds the port synchronously so the caller can report bind errors,
// then serves in the background.
func (l *listener) start() error {
	ln, err := net.Listen("tcp", l.server.Addr)
	if err != nil {
		return fmt.Errorf("cannot start oauth listener: %w", err)
	}

	go func() {
		defer close(l.done)
		if err := l.server.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("OAuth listener failed", zap.Error(err))
		}
	}()

	return nil
}

func (l *listener) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Warn("OAuth listener shutdown failed", zap.Error(err))
		_ = l.server.Close()
	}
	<-l.done
}

// mdnsHost returns the hostname phones can resolve on the local network.
func mdnsHost() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name + ".local"
	}
	return lanIP()
}

// lanIP discovers the outbound interface address without sending anything.
func lanIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
