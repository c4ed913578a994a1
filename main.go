package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/drio/minilan/config"
	"github.com/drio/minilan/conn"
	"github.com/drio/minilan/device"
	"github.com/drio/minilan/identity"
	prommetrics "github.com/drio/minilan/prometheus"
	"github.com/drio/minilan/tun"
)

var (
	configFile string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:          "minilan",
		Short:        "Peer-to-peer VPN endpoint with certificate authenticated sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(upCmd(), genidCmd(), fingerprintCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func upCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring up the tunnel and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %v", err)
			}
			return up(cfg, newLogger(verbose || cfg.Debug))
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file path")
	cmd.MarkFlagRequired("config")
	return cmd
}

func up(cfg *config.Config, log *slog.Logger) error {
	id, err := identity.Load(cfg.Certificate, cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to load identity: %v", err)
	}
	log.Info("loaded identity",
		"name", id.Certificate().Subject.CommonName,
		"fingerprint", identity.Fingerprint(id.Certificate()))

	var verifier device.CertificateVerifier
	if cfg.CA != "" {
		v, err := identity.LoadVerifier(cfg.CA)
		if err != nil {
			return fmt.Errorf("failed to load CA: %v", err)
		}
		verifier = v
	} else if len(cfg.Peers) == 0 {
		log.Warn("no CA and no peers configured, every inbound peer will be refused")
	} else {
		log.Warn("no CA configured, only the listed peers are accepted", "peers", len(cfg.Peers))
	}

	var metrics device.Metrics = device.NopMetrics{}
	if cfg.MetricsAddress != "" {
		metrics = prommetrics.NewMetrics(prommetrics.DefaultNamespace)
		go serveMetrics(cfg.MetricsAddress, log)
	}

	udpConn, err := conn.SetupUDP(cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("failed to setup UDP socket: %v", err)
	}

	tunDev, err := tun.SetupTUN(cfg.TunName, cfg.TunAddress, log)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to setup TUN interface: %v", err)
	}

	dev, err := device.New(tunDev, udpConn, device.Config{
		Identity:          id,
		Verifier:          verifier,
		Policy:            cfg.Policy(),
		Peers:             cfg.Peers,
		ContactPeriod:     cfg.ContactPeriod,
		StaleTimeout:      cfg.StaleTimeout,
		SessionTimeout:    cfg.SessionTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		SessionLifetime:   cfg.SessionLifetime,
		MaxPeers:          cfg.MaxPeers,
		OnSessionEstablished: func(ep netip.AddrPort) {
			log.Info("peer connected", "peer", ep)
		},
		OnSessionLost: func(ep netip.AddrPort) {
			log.Info("peer disconnected", "peer", ep)
		},
		Logger:  log,
		Metrics: metrics,
		Debug:   cfg.Debug,
	})
	if err != nil {
		tunDev.Close()
		udpConn.Close()
		return fmt.Errorf("failed to create device: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("shutting down", "signal", sig)
		if err := dev.Close(); err != nil {
			log.Warn("close failed", "err", err)
		}
	}()

	log.Info("starting main event loop", "port", cfg.ListenPort, "peers", len(cfg.Peers))
	dev.Run()
	return nil
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "err", err)
	}
}

func genidCmd() *cobra.Command {
	var (
		name     string
		out      string
		validity time.Duration
	)
	cmd := &cobra.Command{
		Use:   "genid",
		Short: "Generate a self-signed Ed25519 certificate and private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(out, 0o700); err != nil {
				return fmt.Errorf("failed to create %s: %v", out, err)
			}
			id, err := identity.Generate(name, validity)
			if err != nil {
				return err
			}
			certPath := filepath.Join(out, name+".crt")
			keyPath := filepath.Join(out, name+".key")
			if err := id.WritePEM(certPath, keyPath); err != nil {
				return err
			}
			fmt.Printf("Certificate: %s\nPrivateKey: %s\nFingerprint: %s\n",
				certPath, keyPath, identity.Fingerprint(id.Certificate()))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "certificate common name")
	cmd.Flags().StringVar(&out, "out", ".", "output directory")
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity")
	cmd.MarkFlagRequired("name")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of the configured certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %v", err)
			}
			cert, err := identity.LoadCertificate(cfg.Certificate)
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", identity.Fingerprint(cert))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file path")
	cmd.MarkFlagRequired("config")
	return cmd
}
