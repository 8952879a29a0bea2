package internal

import (
	"context"
	"net/http"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/stellar/go/support/log"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/config"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/daemon/interfaces"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/db"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerclose"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/methods"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/network"
)

// Handler is the HTTP handler which serves the JSON-RPC requests
type Handler struct {
	bridge jhttp.Bridge
	logger *log.Entry
	http.Handler
}

// Close closes all the resources held by the Handler instances.
// After Close is called the Handler instance will stop accepting JSON RPC requests.
func (h Handler) Close() {
	if err := h.bridge.Close(); err != nil {
		h.logger.WithError(err).Warn("could not close bridge")
	}
}

type HandlerParams struct {
	Manager            *ledgerclose.Manager
	TransactionReader  db.TransactionReader
	LedgerHeaderReader db.LedgerHeaderReader
	Logger             *log.Entry
	Daemon             interfaces.Daemon
	Clock              clockwork.Clock
}

// NewJSONRPCHandler constructs a Handler instance
func NewJSONRPCHandler(cfg *config.Config, params HandlerParams) Handler {
	bridgeOptions := jhttp.BridgeOptions{
		Server: &jrpc2.ServerOptions{
			Logger: func(text string) { params.Logger.Debug(text) },
		},
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	handlers := []struct {
		methodName        string
		underlyingHandler jrpc2.Handler
	}{
		{
			methodName: "getHealth",
			underlyingHandler: methods.NewHealthCheck(
				cfg.TransactionLedgerRetentionWindow, params.LedgerHeaderReader, cfg.MaxHealthyLedgerLatency, clock),
		},
		{
			methodName:        "getNetwork",
			underlyingHandler: methods.NewGetNetworkHandler(params.Manager),
		},
		{
			methodName:        "getLatestLedger",
			underlyingHandler: methods.NewGetLatestLedgerHandler(params.Manager),
		},
		{
			methodName:        "getAccount",
			underlyingHandler: methods.NewGetAccountHandler(params.Manager),
		},
		{
			methodName:        "getFeeStats",
			underlyingHandler: methods.NewGetFeeStatsHandler(params.Manager.FeeWindows(), params.LedgerHeaderReader, params.Logger),
		},
		{
			methodName:        "getTransaction",
			underlyingHandler: methods.NewGetTransactionHandler(params.Logger, params.TransactionReader),
		},
		{
			methodName:        "checkTransaction",
			underlyingHandler: methods.NewCheckTransactionHandler(params.Logger, params.Manager),
		},
		{
			methodName:        "sendTransaction",
			underlyingHandler: methods.NewSendTransactionHandler(params.Logger, params.Manager),
		},
	}

	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: params.Daemon.MetricsNamespace(),
		Subsystem: "network",
		Name:      "requests_total",
		Help:      "JSON-RPC requests, by method",
	}, []string{"method"})
	handlersMap := handler.Map{}
	for _, h := range handlers {
		methodCounter := requestCounter.WithLabelValues(h.methodName)
		underlying := h.underlyingHandler
		handlersMap[h.methodName] = func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			methodCounter.Inc()
			return underlying(ctx, req)
		}
	}
	bridge := jhttp.NewBridge(handlersMap, &bridgeOptions)

	// globalQueueRequestBacklogLimiter is a metric for measuring the total concurrent inflight requests
	globalQueueRequestBacklogLimiter := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: params.Daemon.MetricsNamespace(),
		Subsystem: "network",
		Name:      "global_inflight_requests",
		Help:      "Number of concurrenty in-flight http requests",
	})
	globalQueueRequestExecutionDurationLimitCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: params.Daemon.MetricsNamespace(),
		Subsystem: "network",
		Name:      "global_request_execution_duration_threshold_limit",
		Help:      "The metric measures the count of requests that surpassed the limit threshold for execution time",
	})
	params.Daemon.MetricsRegistry().MustRegister(
		requestCounter,
		globalQueueRequestBacklogLimiter,
		globalQueueRequestExecutionDurationLimitCounter)

	queueLimitedBridge := network.MakeHTTPBacklogQueueLimiter(
		bridge,
		globalQueueRequestBacklogLimiter,
		uint64(cfg.RequestBacklogQueueLimit),
		params.Logger)
	requestDurationLimitedBridge := network.MakeHTTPRequestDurationLimiter(
		queueLimitedBridge,
		cfg.MaxRequestExecutionDuration,
		globalQueueRequestExecutionDurationLimitCounter,
		params.Logger)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:         []string{},
		AllowOriginRequestFunc: func(*http.Request, string) bool { return true },
		AllowedHeaders:         []string{"*"},
		AllowedMethods:         []string{"GET", "PUT", "POST", "PATCH", "DELETE", "HEAD", "OPTIONS"},
	})

	return Handler{
		bridge:  bridge,
		logger:  params.Logger,
		Handler: corsMiddleware.Handler(requestDurationLimitedBridge),
	}
}
