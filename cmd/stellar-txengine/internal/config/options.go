package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultHTTPEndpoint = "localhost:8000"

	// OneDayOfLedgers is (roughly) a 24 hour window of ledgers.
	OneDayOfLedgers = 17280

	// FeeBumpProtocolVersion is the oldest protocol the engine accepts.
	FeeBumpProtocolVersion = 13
)

//nolint:funlen,maintidx
func (cfg *Config) options() Options {
	if cfg.optionsCache != nil {
		return *cfg.optionsCache
	}
	cfg.optionsCache = &Options{
		{
			Name:      "config-path",
			EnvVar:    "STELLAR_TXENGINE_CONFIG_PATH",
			TomlKey:   "-",
			Usage:     "File path to the toml configuration file",
			ConfigKey: &cfg.ConfigPath,
		},
		{
			Name:         "config-strict",
			EnvVar:       "STELLAR_TXENGINE_CONFIG_STRICT",
			TomlKey:      "STRICT",
			Usage:        "Enable strict toml configuration file parsing. This will prevent unknown fields in the config toml from being parsed.",
			ConfigKey:    &cfg.Strict,
			DefaultValue: false,
		},
		{
			Name:         "endpoint",
			Usage:        "Endpoint to listen and serve on",
			ConfigKey:    &cfg.Endpoint,
			DefaultValue: defaultHTTPEndpoint,
		},
		{
			Name:      "admin-endpoint",
			Usage:     "Admin endpoint to listen and serve on. WARNING: this should not be accessible from the Internet and does not use TLS. \"\" (default) disables the admin server",
			ConfigKey: &cfg.AdminEndpoint,
		},
		{
			Name:      "network-passphrase",
			Usage:     "Network passphrase of the Stellar network transactions should be signed for",
			ConfigKey: &cfg.NetworkPassphrase,
			Validate:  required,
		},
		{
			Name:         "db-path",
			Usage:        "SQLite DB path",
			ConfigKey:    &cfg.SQLiteDBPath,
			DefaultValue: "stellar_txengine.sqlite",
		},
		{
			Name:         "log-level",
			Usage:        "minimum log severity (debug, info, warn, error) to log",
			ConfigKey:    &cfg.LogLevel,
			DefaultValue: logrus.InfoLevel,
			CustomSetValue: func(option *Option, i interface{}) error {
				switch v := i.(type) {
				case nil:
					return nil
				case string:
					ll, err := logrus.ParseLevel(v)
					if err != nil {
						return fmt.Errorf("could not parse %s: %q", option.Name, v)
					}
					cfg.LogLevel = ll
				case logrus.Level:
					cfg.LogLevel = v
				case *logrus.Level:
					cfg.LogLevel = *v
				default:
					return fmt.Errorf("could not parse %s: %q", option.Name, v)
				}
				return nil
			},
			MarshalTOML: func(_ *Option) (interface{}, error) {
				return cfg.LogLevel.String(), nil
			},
		},
		{
			Name:         "log-format",
			Usage:        "format used for output logs (json or text)",
			ConfigKey:    &cfg.LogFormat,
			DefaultValue: LogFormatText,
			CustomSetValue: func(option *Option, i interface{}) error {
				switch v := i.(type) {
				case nil:
					return nil
				case string:
					if err := cfg.LogFormat.UnmarshalText([]byte(v)); err != nil {
						return fmt.Errorf("could not parse %s: %w", option.Name, err)
					}
				case LogFormat:
					cfg.LogFormat = v
				case *LogFormat:
					cfg.LogFormat = *v
				default:
					return fmt.Errorf("could not parse %s: %q", option.Name, v)
				}
				return nil
			},
			MarshalTOML: func(_ *Option) (interface{}, error) {
				return cfg.LogFormat.String(), nil
			},
		},
		{
			Name:         "ledger-close-interval",
			Usage:        "interval at which the pending transaction set is applied and a new ledger is closed",
			ConfigKey:    &cfg.LedgerCloseInterval,
			DefaultValue: 5 * time.Second,
			Validate:     positive,
		},
		{
			Name:         "protocol-version",
			Usage:        "ledger protocol version written to the genesis ledger of a new database",
			ConfigKey:    &cfg.ProtocolVersion,
			DefaultValue: uint32(20),
			Validate: func(option *Option) error {
				if cfg.ProtocolVersion < FeeBumpProtocolVersion {
					return fmt.Errorf("%s must be at least %d", option.Name, FeeBumpProtocolVersion)
				}
				return nil
			},
		},
		{
			Name:         "base-fee",
			Usage:        "base fee per operation, in stroops, of the genesis ledger",
			ConfigKey:    &cfg.BaseFee,
			DefaultValue: uint32(100),
			Validate:     positive,
		},
		{
			Name:         "base-reserve",
			Usage:        "base reserve, in stroops, of the genesis ledger",
			ConfigKey:    &cfg.BaseReserve,
			DefaultValue: uint32(5_000_000),
			Validate:     positive,
		},
		{
			Name:         "max-tx-set-size",
			Usage:        "maximum number of transactions applied in a single ledger",
			ConfigKey:    &cfg.MaxTxSetSize,
			DefaultValue: uint32(100),
			Validate:     positive,
		},
		{
			Name:         "signature-cache-size",
			Usage:        "number of ed25519 verification results kept in memory",
			ConfigKey:    &cfg.SignatureCacheSize,
			DefaultValue: uint(250_000),
			Validate:     positive,
		},
		{
			Name:         "classic-fee-stats-retention-window",
			Usage:        "Fee stats ledger retention window for transactions (in ledgers)",
			ConfigKey:    &cfg.ClassicFeeStatsLedgerRetentionWindow,
			DefaultValue: uint32(10),
			Validate:     positive,
		},
		{
			Name: "transaction-retention-window",
			Usage: fmt.Sprintf(
				"configures the transaction retention window expressed in number of ledgers,"+
					" the default value is %d which corresponds to about 24 hours of history",
				OneDayOfLedgers),
			ConfigKey:    &cfg.TransactionLedgerRetentionWindow,
			DefaultValue: uint32(OneDayOfLedgers),
			Validate:     positive,
		},
		{
			Name:         "max-healthy-ledger-latency",
			Usage:        "maximum ledger latency (i.e. time elapsed since the last known ledger closing time) considered to be healthy (used for the /health endpoint)",
			ConfigKey:    &cfg.MaxHealthyLedgerLatency,
			DefaultValue: 30 * time.Second,
		},
		{
			TomlKey:      "REQUEST_BACKLOG_QUEUE_LIMIT",
			Usage:        "Maximum number of outstanding requests",
			Name:         "request-backlog-queue-limit",
			ConfigKey:    &cfg.RequestBacklogQueueLimit,
			DefaultValue: uint(1000),
			Validate:     positive,
		},
		{
			TomlKey:      "MAX_REQUEST_EXECUTION_DURATION",
			Usage:        "The maximum duration of time allowed for processing a request. When that time elapses, the server returns 504 and abort the request's processing",
			Name:         "max-request-execution-duration",
			ConfigKey:    &cfg.MaxRequestExecutionDuration,
			DefaultValue: 25 * time.Second,
			Validate:     positive,
		},
	}
	return *cfg.optionsCache
}
