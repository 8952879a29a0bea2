package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof" //nolint:gosec
	"os"
	"os/signal"
	runtimePprof "runtime/pprof"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	supporthttp "github.com/stellar/go/support/http"
	supportlog "github.com/stellar/go/support/log"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/config"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/daemon/interfaces"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/db"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/feewindow"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerclose"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/signature"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/util"
)

const (
	defaultReadTimeout         = 5 * time.Second
	defaultShutdownGracePeriod = 10 * time.Second
	defaultBootstrapTimeout    = 10 * time.Minute
)

type Daemon struct {
	db              *db.DB
	manager         *ledgerclose.Manager
	jsonRPCHandler  *internal.Handler
	logger          *supportlog.Entry
	listener        net.Listener
	server          *http.Server
	adminListener   net.Listener
	adminServer     *http.Server
	closeOnce       sync.Once
	closeError      error
	done            chan struct{}
	metricsRegistry *prometheus.Registry

	ledgerCloseCtx     context.Context
	stopLedgerClose    context.CancelFunc
	ledgerCloseRunning atomic.Bool
	ledgerCloseDone    chan struct{}
}

func (d *Daemon) GetDB() *db.DB {
	return d.db
}

func (d *Daemon) GetManager() *ledgerclose.Manager {
	return d.manager
}

func (d *Daemon) GetEndpointAddrs() (net.TCPAddr, *net.TCPAddr) {
	var addr = d.listener.Addr().(*net.TCPAddr)
	var adminAddr *net.TCPAddr
	if d.adminListener != nil {
		adminAddr = d.adminListener.Addr().(*net.TCPAddr)
	}
	return *addr, adminAddr
}

func (d *Daemon) close() {
	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), defaultShutdownGracePeriod)
	defer shutdownRelease()
	var closeErrors []error

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.WithError(err).Error("error during JSON RPC server Shutdown")
		closeErrors = append(closeErrors, err)
	}
	if d.adminServer != nil {
		if err := d.adminServer.Shutdown(shutdownCtx); err != nil {
			d.logger.WithError(err).Error("error during admin server Shutdown")
			closeErrors = append(closeErrors, err)
		}
	}

	// wait for an in-flight ledger close before the database goes away
	d.stopLedgerClose()
	if d.ledgerCloseRunning.Load() {
		<-d.ledgerCloseDone
	}
	d.jsonRPCHandler.Close()
	if err := d.db.Close(); err != nil {
		d.logger.WithError(err).Error("Error closing db")
		closeErrors = append(closeErrors, err)
	}
	d.closeError = errors.Join(closeErrors...)
	close(d.done)
}

func (d *Daemon) Close() error {
	d.closeOnce.Do(d.close)
	return d.closeError
}

func MustNew(cfg *config.Config, logger *supportlog.Entry) *Daemon {
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFormat == config.LogFormatJSON {
		logger.UseJSONFormatter()
	}

	logger.WithFields(supportlog.F{
		"version": config.Version,
		"commit":  config.CommitHash,
	}).Info("starting stellar-txengine")

	metricsRegistry := prometheus.NewRegistry()
	dbConn, err := db.OpenSQLiteDBWithPrometheusMetrics(cfg.SQLiteDBPath, interfaces.PrometheusNamespace, "db", metricsRegistry)
	if err != nil {
		logger.WithError(err).Fatal("could not open database")
	}

	daemon := &Daemon{
		logger:          logger,
		db:              dbConn,
		done:            make(chan struct{}),
		metricsRegistry: metricsRegistry,
		ledgerCloseDone: make(chan struct{}),
	}
	daemon.ledgerCloseCtx, daemon.stopLedgerClose = context.WithCancel(context.Background())

	daemon.manager = daemon.mustInitializeLedger(cfg)
	ledgerHeaderReader := db.NewLedgerHeaderReader(dbConn)

	jsonRPCHandler := internal.NewJSONRPCHandler(cfg, internal.HandlerParams{
		Manager:            daemon.manager,
		TransactionReader:  db.NewTransactionReader(logger, dbConn),
		LedgerHeaderReader: ledgerHeaderReader,
		Logger:             logger,
		Daemon:             daemon,
	})

	httpHandler := supporthttp.NewAPIMux(logger)
	httpHandler.Handle("/", jsonRPCHandler)

	daemon.jsonRPCHandler = &jsonRPCHandler

	// Use a separate listener in order to obtain the actual TCP port
	// when using dynamic ports during testing (e.g. endpoint="localhost:0")
	daemon.listener, err = net.Listen("tcp", cfg.Endpoint)
	if err != nil {
		daemon.logger.WithError(err).WithField("endpoint", cfg.Endpoint).Fatal("cannot listen on endpoint")
	}
	daemon.server = &http.Server{
		Handler:     httpHandler,
		ReadTimeout: defaultReadTimeout,
	}
	if cfg.AdminEndpoint != "" {
		daemon.adminListener, err = net.Listen("tcp", cfg.AdminEndpoint)
		if err != nil {
			daemon.logger.WithError(err).WithField("endpoint", cfg.AdminEndpoint).Fatal("cannot listen on admin endpoint")
		}
		daemon.adminServer = &http.Server{
			Handler:     newAdminMux(logger, metricsRegistry),
			ReadTimeout: defaultReadTimeout,
		}
	}
	daemon.registerMetrics()
	return daemon
}

func newAdminMux(logger *supportlog.Entry, metricsRegistry *prometheus.Registry) http.Handler {
	adminMux := supporthttp.NewMux(logger)
	adminMux.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		// add the entry points for:
		// goroutine, threadcreate, heap, allocs, block, mutex
		for _, profile := range runtimePprof.Profiles() {
			r.Handle("/"+profile.Name(), pprof.Handler(profile.Name()))
		}
	})
	adminMux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	return adminMux
}

// mustInitializeLedger bootstraps the database if it is empty and loads the
// root ledger from it.
func (d *Daemon) mustInitializeLedger(cfg *config.Config) *ledgerclose.Manager {
	ctx, cancel := context.WithTimeout(context.Background(), defaultBootstrapTimeout)
	defer cancel()

	rw := db.NewReadWriter(d.logger, d.db, d, cfg.TransactionLedgerRetentionWindow)
	root, err := ledgerclose.LoadRoot(ctx, d.logger, d.db, rw, db.GenesisParams{
		NetworkPassphrase: cfg.NetworkPassphrase,
		ProtocolVersion:   cfg.ProtocolVersion,
		BaseFee:           cfg.BaseFee,
		BaseReserve:       cfg.BaseReserve,
		MaxTxSetSize:      cfg.MaxTxSetSize,
		CloseTime:         uint64(time.Now().Unix()),
	})
	if errors.Is(err, db.ErrNetworkMismatch) {
		d.logger.WithError(err).Fatal("database was created for a different network; use a fresh db-path")
	} else if err != nil {
		d.logger.WithError(err).Fatal("could not load ledger state from the database")
	}

	verifier, err := signature.NewVerifier(int(cfg.SignatureCacheSize), d)
	if err != nil {
		d.logger.WithError(err).Fatal("could not create signature verifier")
	}

	onCloseRetry := func(err error, dur time.Duration) {
		d.logger.WithError(err).WithField("backoff", dur).Warn("could not open ledger transaction. Retrying")
	}

	return ledgerclose.NewManager(ledgerclose.Config{
		Logger:            d.logger,
		Root:              root,
		NetworkPassphrase: cfg.NetworkPassphrase,
		FeeWindows:        feewindow.NewFeeWindows(cfg.ClassicFeeStatsLedgerRetentionWindow),
		Transactions:      db.NewTransactionReader(d.logger, d.db),
		Verifier:          verifier,
		CloseInterval:     cfg.LedgerCloseInterval,
		OnCloseRetry:      onCloseRetry,
		Daemon:            d,
	})
}

func (d *Daemon) Run() {
	d.logger.WithFields(supportlog.F{
		"addr": d.listener.Addr().String(),
	}).Info("starting HTTP server")

	panicGroup := util.UnrecoverablePanicGroup.Log(d.logger)
	d.ledgerCloseRunning.Store(true)
	panicGroup.Go(func() {
		defer close(d.ledgerCloseDone)
		d.manager.Run(d.ledgerCloseCtx)
	})
	panicGroup.Go(func() {
		if err := d.server.Serve(d.listener); !errors.Is(err, http.ErrServerClosed) {
			d.logger.WithError(err).Fatal("JSON RPC server encountered fatal error")
		}
	})

	if d.adminServer != nil {
		d.logger.WithFields(supportlog.F{
			"addr": d.adminListener.Addr().String(),
		}).Info("starting Admin HTTP server")
		panicGroup.Go(func() {
			if err := d.adminServer.Serve(d.adminListener); !errors.Is(err, http.ErrServerClosed) {
				d.logger.WithError(err).Error("admin server encountered fatal error")
			}
		})
	}

	// Shutdown gracefully when we receive an interrupt signal.
	// First server.Shutdown closes all open listeners, then closes all idle connections.
	// Finally, it waits a grace period (10s here) for connections to return to idle and then shut down.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		d.Close()
	case <-d.done:
		return
	}
}
