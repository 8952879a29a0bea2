// Package signature implements weighted multisig checking of decorated
// signatures against an account's signer set.
package signature

import (
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/daemon/interfaces"
)

const DefaultCacheSize = 250_000

// Verifier checks ed25519 signatures and remembers the outcome of recent
// checks.
type Verifier struct {
	cache  *lru.Cache[[32]byte, bool]
	hits   prometheus.Counter
	misses prometheus.Counter
}

func NewVerifier(cacheSize int, daemon interfaces.Daemon) (*Verifier, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[[32]byte, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create signature cache: %w", err)
	}
	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: daemon.MetricsNamespace(), Subsystem: "signature_cache",
		Name: "hits_total",
		Help: "signature verifications answered from the cache",
	})
	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: daemon.MetricsNamespace(), Subsystem: "signature_cache",
		Name: "misses_total",
		Help: "signature verifications that required an ed25519 check",
	})
	daemon.MetricsRegistry().MustRegister(hits, misses)
	return &Verifier{cache: cache, hits: hits, misses: misses}, nil
}

// Verify reports whether sig is a valid signature of data by the ed25519 key.
func (v *Verifier) Verify(key xdr.Uint256, sig xdr.Signature, data []byte) bool {
	if v == nil {
		return verify(key, sig, data)
	}
	cacheKey := verifyCacheKey(key, sig, data)
	if valid, ok := v.cache.Get(cacheKey); ok {
		v.hits.Inc()
		return valid
	}
	v.misses.Inc()
	valid := verify(key, sig, data)
	v.cache.Add(cacheKey, valid)
	return valid
}

func verifyCacheKey(key xdr.Uint256, sig xdr.Signature, data []byte) [32]byte {
	h := sha256.New()
	h.Write(key[:])
	h.Write(sig)
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func verify(key xdr.Uint256, sig xdr.Signature, data []byte) bool {
	address, err := strkey.Encode(strkey.VersionByteAccountID, key[:])
	if err != nil {
		return false
	}
	kp, err := keypair.ParseAddress(address)
	if err != nil {
		return false
	}
	return kp.Verify(data, sig) == nil
}
