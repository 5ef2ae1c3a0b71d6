// Package main implements parley-server, a chat server that hands out
// single-use tickets over HTTP and delivers conversation messages over
// WebSocket.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/parley/pkg/api"
	"github.com/codeGROOVE-dev/parley/pkg/auth"
	"github.com/codeGROOVE-dev/parley/pkg/config"
	"github.com/codeGROOVE-dev/parley/pkg/logger"
	"github.com/codeGROOVE-dev/parley/pkg/security"
	"github.com/codeGROOVE-dev/parley/pkg/srv"
	"github.com/codeGROOVE-dev/parley/pkg/store"
	"github.com/codeGROOVE-dev/parley/pkg/ticket"
)

const (
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	idleTimeout    = 120 * time.Second
	maxHeaderBytes = 20 // Max header size multiplier (1 << 20 = 1MB)
)

var (
	addr          = flag.String("addr", "", "HTTP service address (overrides PARLEY_ADDR)")
	dataDir       = flag.String("data-dir", "", "Message store directory (overrides PARLEY_DATA_DIR)")
	logLevel      = flag.String("log-level", "", "debug, info, warn or error (overrides PARLEY_LOG_LEVEL)")
	maxConnsPerIP = flag.Int("max-conns-per-ip", 0, "Maximum WebSocket connections per IP (overrides PARLEY_MAX_CONNS_PER_IP)")
	maxConnsTotal = flag.Int("max-conns-total", 0, "Maximum total WebSocket connections (overrides PARLEY_MAX_CONNS_TOTAL)")
	letsencrypt   = flag.Bool("letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	leDomains     = flag.String("le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	leCacheDir    = flag.String("le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	leEmail       = flag.String("le-email", "", "Contact email for Let's Encrypt notifications")
)

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *maxConnsPerIP > 0 {
		cfg.MaxConnsPerIP = *maxConnsPerIP
	}
	if *maxConnsTotal > 0 {
		cfg.MaxConnsTotal = *maxConnsTotal
	}
	return cfg, cfg.Validate()
}

func writeText(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := fmt.Fprintln(w, msg); err != nil {
		logger.Warn(ctx, "failed to write response", logger.Fields{"status": status, "error": err.Error()})
	}
}

//nolint:funlen,gocognit,maintidx // Main function orchestrates entire server setup and cannot be split without losing clarity
func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DataDir)
	if err != nil {
		logger.Error(ctx, "failed to open message store", err, logger.Fields{"dir": cfg.DataDir})
		return
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error(ctx, "failed to close message store", err, nil)
		}
	}()

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	tickets := ticket.NewStore(ticket.WithMaxTTL(cfg.TicketTTL))
	registry := srv.NewRegistry(store.NewConversations(db))
	messages := store.NewMessageLog(db, cfg.HistoryPageSize)

	hub := srv.NewHub()
	go hub.Run(ctx)

	connLimiter := security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConnsTotal)

	mux := http.NewServeMux()

	// Health check endpoint - exact match only
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			writeText(r.Context(), w, http.StatusOK, "parley is running")
			return
		}
		logger.Debug(r.Context(), "404 Not Found", logger.Fields{"path": r.URL.Path, "ip": security.ClientIP(r)})
		http.NotFound(w, r)
	})

	mux.Handle("/api/ticket", api.NewTicketHandler(verifier, tickets, cfg.TicketTTL))
	mux.Handle("/api/messages/by_conversation", api.NewHistoryHandler(verifier, registry, messages))

	wsHandler := srv.NewWebSocketHandler(hub, registry, tickets, messages, connLimiter)
	wsServer := websocket.Server{
		Handler: wsHandler.Handle,
		Handshake: func(_ *websocket.Config, _ *http.Request) error {
			// Accept all origins; the ticket is the credential.
			return nil
		},
	}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := security.ClientIP(r)
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}

		userAgent, err := security.ParseUserAgent(r)
		if err != nil {
			logger.Warn(ctx, "WebSocket 400: invalid user-agent", logger.Fields{
				"ip":         ip,
				"error":      err.Error(),
				"user_agent": r.UserAgent(),
			})
			writeText(ctx, w, http.StatusBadRequest, "400 Bad Request: "+err.Error())
			return
		}

		// Reserve a connection slot before upgrade (prevents TOCTOU race condition)
		reservationToken := connLimiter.Reserve(ip)
		if reservationToken == "" {
			logger.Warn(ctx, "WebSocket 429: connection limit", logger.Fields{"ip": ip})
			writeText(ctx, w, http.StatusTooManyRequests, "429 Too Many Requests: Connection limit exceeded")
			return
		}

		ctx = srv.WithUserAgent(ctx, userAgent)
		ctx = srv.WithReservation(ctx, reservationToken)
		wsServer.ServeHTTP(w, r.WithContext(ctx))
	})

	server := &http.Server{
		Addr:           cfg.Addr,
		Handler:        mux,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << maxHeaderBytes,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		logger.Info(ctx, "shutting down server", nil)
		cancel()
		hub.Stop()
		connLimiter.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "server shutdown error", err, nil)
		}
		hub.Wait()
		close(done)
	}()

	if *letsencrypt {
		if *leDomains == "" {
			logger.Error(ctx, "Let's Encrypt requires -le-domains", nil, nil)
			return
		}
		domains := strings.Split(*leDomains, ",")
		for i := range domains {
			domains[i] = strings.TrimSpace(domains[i])
		}
		if err := os.MkdirAll(*leCacheDir, 0o700); err != nil {
			logger.Error(ctx, "failed to create Let's Encrypt cache directory", err, nil)
			return
		}

		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      autocert.DirCache(*leCacheDir),
			Email:      *leEmail,
		}
		server.Addr = ":443"
		server.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS13,
		}

		go func() {
			acmeServer := &http.Server{
				Addr:         ":80",
				Handler:      certManager.HTTPHandler(nil),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}
			logger.Info(ctx, "starting HTTP server on :80 for ACME challenges", nil)
			if err := acmeServer.ListenAndServe(); err != nil {
				logger.Warn(ctx, "ACME server stopped; certificate renewal may fail", logger.Fields{"error": err.Error()})
			}
		}()

		logger.Info(ctx, "starting HTTPS server", logger.Fields{"addr": server.Addr, "domains": domains})
		err = server.ListenAndServeTLS("", "")
	} else {
		logger.Warn(ctx, "TLS not enabled; use -letsencrypt in production", nil)
		logger.Info(ctx, "starting HTTP server", logger.Fields{"addr": server.Addr})
		err = server.ListenAndServe()
	}

	if !errors.Is(err, http.ErrServerClosed) {
		logger.Error(ctx, "server error", err, nil)
		return
	}

	<-done
	logger.Info(context.Background(), "server stopped", nil)
}
