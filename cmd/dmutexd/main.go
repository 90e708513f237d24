// Command dmutexd runs one peer of a distributed mutex as a standalone
// daemon: it serves the lock protocol over TCP, exposes health and
// Prometheus metrics endpoints over HTTP, and drives request/release
// cycles for a single named lock on a fixed interval, for demonstration
// and load-testing purposes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jamiealquiza/envy"
	"github.com/rs/zerolog"

	"github.com/distcodep7/dmutex/metrics"
	"github.com/distcodep7/dmutex/mutex"
	"github.com/distcodep7/dmutex/transport/tcp"
)

var Config struct {
	ListenAddr   string
	AdminAddr    string
	MutexName    string
	Peers        string
	HoldInterval time.Duration
	HoldDuration time.Duration
}

func main() {
	flag.StringVar(&Config.ListenAddr, "listen", "127.0.0.1:7420", "address to listen for peer connections on")
	flag.StringVar(&Config.AdminAddr, "admin-listen", "127.0.0.1:7421", "address to serve /healthz and /metrics on")
	flag.StringVar(&Config.MutexName, "mutex-name", "default", "name of the mutex this daemon arbitrates")
	flag.StringVar(&Config.Peers, "peers", "", "comma-separated host:port list of peer daemons")
	flag.DurationVar(&Config.HoldInterval, "hold-interval", 5*time.Second, "how often to request the lock")
	flag.DurationVar(&Config.HoldDuration, "hold-duration", 1*time.Second, "how long to hold the lock once granted")

	envy.Parse("DMUTEXD")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "dmutexd").
		Str("mutex", Config.MutexName).
		Str("run_id", uuid.NewString()).
		Logger()

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("dmutexd exited with error")
	}
}

func run(logger zerolog.Logger) error {
	transport, err := tcp.Listen(Config.ListenAddr, tcp.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer transport.Close()

	self, err := resolveSelf(Config.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolving own identity: %w", err)
	}

	m, err := mutex.New(Config.MutexName, self, transport,
		mutex.WithLogger(logger),
		mutex.WithMetrics(metrics.Prometheus{}))
	if err != nil {
		return fmt.Errorf("constructing mutex: %w", err)
	}

	for _, peerAddr := range splitPeers(Config.Peers) {
		peerID, err := mutex.ParseIdentity(peerAddr)
		if err != nil {
			return fmt.Errorf("resolving peer %s: %w", peerAddr, err)
		}
		// Only the side with the larger identity tuple dials; the other
		// side waits for the inbound connection. This avoids both sides
		// independently opening a second, redundant connection to the
		// same pair.
		if self.Less(peerID) {
			logger.Debug().Str("peer", peerAddr).Msg("waiting for inbound connection")
		} else if err := transport.Connect(peerAddr); err != nil {
			return fmt.Errorf("connecting to peer %s: %w", peerAddr, err)
		}
		if err := m.AddPeer(peerAddr); err != nil {
			return fmt.Errorf("adding peer %s: %w", peerAddr, err)
		}
	}

	m.OnGranted(func() { logger.Info().Msg("lock granted") })
	m.OnDenied(func() { logger.Info().Msg("lock denied") })
	m.OnReleased(func() { logger.Info().Msg("lock released") })
	m.OnHolderLost(func() { logger.Warn().Msg("holder lost; returning to available") })

	admin := newAdminServer(Config.AdminAddr, m, logger)
	go func() {
		logger.Info().Str("addr", Config.AdminAddr).Msg("serving admin endpoints")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driveHoldCycle(ctx, m, logger)

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return admin.Shutdown(shutdownCtx)
}

// driveHoldCycle periodically requests the lock, holds it briefly once
// granted, then releases it, pumping the mutex's inbound queue on a tight
// tick the whole time. It runs until ctx is cancelled.
func driveHoldCycle(ctx context.Context, m *mutex.Mutex, logger zerolog.Logger) {
	pump := time.NewTicker(20 * time.Millisecond)
	defer pump.Stop()

	requestEvery := time.NewTicker(Config.HoldInterval)
	defer requestEvery.Stop()

	held := false
	var releaseAt time.Time

	m.OnGranted(func() {
		held = true
		releaseAt = time.Now().Add(Config.HoldDuration)
	})
	m.OnReleased(func() { held = false })
	m.OnHolderLost(func() { held = false })

	for {
		select {
		case <-ctx.Done():
			return
		case <-pump.C:
			m.Pump()
			if held && time.Now().After(releaseAt) {
				m.Release()
				held = false
			}
		case <-requestEvery.C:
			if m.IsAvailable() {
				logger.Debug().Msg("requesting lock")
				m.Request()
			}
		}
	}
}

func newAdminServer(addr string, m *mutex.Mutex, logger zerolog.Logger) *http.Server {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state":      m.State().String(),
			"peer_count": m.PeerCount(),
		})
	})
	metrics.RegisterEndpoint(router, "/metrics")

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func resolveSelf(listenAddr string) (mutex.Identity, error) {
	// listenAddr may be "host:port" or ":port"; AddPeer-style parsing
	// requires a concrete host, so localhost stands in for unspecified.
	addr := listenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return mutex.ParseIdentity(addr)
}

func splitPeers(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
