package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/cdr-auth"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
)

// fapiCipherSuites are the TLS 1.2 suites FAPI 1.0 Advanced permits
var fapiCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the public and internal listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("issuer", "", "Issuer identifier and public base URL")
	flags.String("listen-public", ":8443", "Address of the public mTLS listener")
	flags.String("listen-internal", ":8080", "Address of the internal listener")
	for key, flag := range map[string]string{
		"issuer":          "issuer",
		"listen.public":   "listen-public",
		"listen.internal": "listen-internal",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
		}
	}
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(os.Stderr, v.GetString("log.format"), v.GetString("log.level"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := buildConfig(v, logger)
	if err != nil {
		return err
	}
	tlsConfig, err := newTLSConfig(v.GetString("tls.client_ca_file"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := oauth.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to release server resources", "error", err)
		}
	}()

	handler := oauth.NewHandler(srv, logger)
	public := &http.Server{
		Addr:              v.GetString("listen.public"),
		Handler:           handler.Routes(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	internal := &http.Server{
		Addr:              v.GetString("listen.internal"),
		Handler:           internalRouter(handler),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	certFile, keyFile := v.GetString("tls.cert_file"), v.GetString("tls.key_file")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if certFile == "" || keyFile == "" {
			logger.Warn("SECURITY WARNING: public listener is serving plain HTTP",
				"risk", "Client certificates are only available through the forwarded header",
				"recommendation", "Set tls.cert_file and tls.key_file")
			logger.Info("Public listener started", "addr", public.Addr, "tls", false)
			return ignoreClosed(public.ListenAndServe())
		}
		logger.Info("Public listener started", "addr", public.Addr, "tls", true)
		return ignoreClosed(public.ListenAndServeTLS(certFile, keyFile))
	})
	g.Go(func() error {
		logger.Info("Internal listener started", "addr", internal.Addr)
		return ignoreClosed(internal.ListenAndServe())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down listeners")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(public.Shutdown(shutdownCtx), internal.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped cleanly")
	return nil
}

// internalRouter adds a liveness probe to the internal endpoints
func internalRouter(h *oauth.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/", h.InternalRoutes())
	return r
}

// newTLSConfig requests a client certificate on every handshake. With a CA
// bundle the certificate is also verified; without one it is only bound to
// tokens by thumbprint.
func newTLSConfig(clientCAFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: fapiCipherSuites,
		ClientAuth:   tls.RequestClientCert,
	}
	if clientCAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", clientCAFile)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.VerifyClientCertIfGiven
	return cfg, nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
