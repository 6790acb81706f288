// Command relay-server runs the central relay that pairs presenters
// with viewers and routes session traffic between them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avaropoint/relay/internal/relay"
	"github.com/avaropoint/relay/internal/security"
	"github.com/avaropoint/relay/internal/store"
	"github.com/avaropoint/relay/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("relay-server", pflag.ContinueOnError)

	var (
		listenAddr = fs.StringP("listen-addr", "a", ":8080", "websocket listen address")
		dbPath     = fs.StringP("db", "d", "", "sqlite history database path (empty disables history)")
		dataDir    = fs.String("data-dir", "relay-data", "directory for generated TLS material")
		tlsMode    = fs.String("tls", "off", "TLS mode: off, self-signed, acme, or custom")
		tlsCert    = fs.String("tls-cert", "", "certificate file for --tls=custom")
		tlsKey     = fs.String("tls-key", "", "key file for --tls=custom")
		acmeDomain = fs.String("acme-domain", "", "domain for --tls=acme")
		logLevel   = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	logger.Info().Str("version", version.Version).Str("built", version.BuildTime).Msg("relay server starting")

	mode, err := security.ParseTLSMode(*tlsMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse TLS mode")
	}
	tlsRes, err := security.Setup(mode, security.SetupOptions{
		DataDir:    *dataDir,
		CertFile:   *tlsCert,
		KeyFile:    *tlsKey,
		ACMEDomain: *acmeDomain,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up TLS")
	}

	var history relay.History
	var db store.Store
	if *dbPath != "" {
		db, err = store.NewSQLiteStore(*dbPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open history database")
		}
		defer db.Close() //nolint:errcheck
		history = newStoreHistory(logger, db)
	}

	registry := relay.NewRegistry(logger, history)
	srv := NewServer(logger, registry, history)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/client", srv.handleClient)
	mux.HandleFunc("/api/connections", srv.handleListConnections)
	if tlsRes.Paths != nil {
		// Agents fetch the CA certificate here to trust a self-signed server.
		mux.HandleFunc("/api/ca", func(w http.ResponseWriter, r *http.Request) {
			pemBytes, err := security.ReadCACert(tlsRes.Paths)
			if err != nil {
				http.Error(w, "ca certificate unavailable", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/x-pem-file")
			_, _ = w.Write(pemBytes)
		})
	}

	httpSrv := &http.Server{Addr: *listenAddr, Handler: mux, TLSConfig: tlsRes.Config}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	if tlsRes.ACMEManager != nil {
		// HTTP-01 challenges for certificate issuance.
		go func() {
			if err := http.ListenAndServe(":80", tlsRes.ACMEManager.HTTPHandler(nil)); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}
	go func() {
		logger.Info().Str("addr", *listenAddr).Str("tls", *tlsMode).Msg("listening")
		var err error
		if tlsRes.Config != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
