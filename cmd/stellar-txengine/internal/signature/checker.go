package signature

import (
	"bytes"
	"crypto/sha256"

	"github.com/stellar/go/xdr"
)

// MaxSignerWeight caps the weight of a single signer from protocol 10 on.
const MaxSignerWeight = 255

const weightCapProtocolVersion = 10

// Checker tracks which signatures of one envelope have been used while
// checking the signer sets of the accounts it touches.
type Checker struct {
	protocolVersion uint32
	contentsHash    xdr.Hash
	signatures      []xdr.DecoratedSignature
	used            []bool
	verifier        *Verifier

	invocations int
	usedOneTime bool
}

// NewChecker creates a checker over the signatures of an envelope whose
// contents hash is contentsHash. verifier may be nil.
func NewChecker(protocolVersion uint32, contentsHash xdr.Hash, signatures []xdr.DecoratedSignature, verifier *Verifier) *Checker {
	return &Checker{
		protocolVersion: protocolVersion,
		contentsHash:    contentsHash,
		signatures:      signatures,
		used:            make([]bool, len(signatures)),
		verifier:        verifier,
	}
}

// CheckSignature reports whether the signers reach neededWeight. Pre-auth
// signers matching the contents hash count without a signature; every
// other signer needs a matching signature, which is then marked used. A
// signature may serve several calls, for example the transaction source and
// an operation source that share a key.
func (c *Checker) CheckSignature(signers []xdr.Signer, neededWeight int32) bool {
	c.invocations++

	var preAuth, hashX, ed25519, signedPayload []xdr.Signer
	for _, signer := range signers {
		switch signer.Key.Type {
		case xdr.SignerKeyTypeSignerKeyTypePreAuthTx:
			preAuth = append(preAuth, signer)
		case xdr.SignerKeyTypeSignerKeyTypeHashX:
			hashX = append(hashX, signer)
		case xdr.SignerKeyTypeSignerKeyTypeEd25519:
			ed25519 = append(ed25519, signer)
		case xdr.SignerKeyTypeSignerKeyTypeEd25519SignedPayload:
			signedPayload = append(signedPayload, signer)
		}
	}

	totalWeight := int32(0)
	for _, signer := range preAuth {
		if xdr.Hash(*signer.Key.PreAuthTx) != c.contentsHash {
			continue
		}
		c.usedOneTime = true
		totalWeight += c.weight(signer)
		if totalWeight >= neededWeight {
			return true
		}
	}

	matchers := []struct {
		signers []xdr.Signer
		match   func(xdr.SignerKey, xdr.DecoratedSignature) bool
	}{
		{hashX, c.matchHashX},
		{ed25519, c.matchEd25519},
		{signedPayload, c.matchSignedPayload},
	}
	for _, m := range matchers {
		remaining := m.signers
		for i, sig := range c.signatures {
			for j, signer := range remaining {
				if !m.match(signer.Key, sig) {
					continue
				}
				c.used[i] = true
				totalWeight += c.weight(signer)
				if totalWeight >= neededWeight {
					return true
				}
				// a signer only counts once
				remaining = append(remaining[:j:j], remaining[j+1:]...)
				break
			}
		}
	}
	return false
}

// CheckAllSignaturesUsed reports whether every signature was consumed by
// some successful signer match.
func (c *Checker) CheckAllSignaturesUsed() bool {
	for _, used := range c.used {
		if !used {
			return false
		}
	}
	return true
}

// UsedOneTimeSigner reports whether a pre-auth signer counted towards any
// check so far.
func (c *Checker) UsedOneTimeSigner() bool {
	return c.usedOneTime
}

// Invocations returns the number of CheckSignature calls.
func (c *Checker) Invocations() int {
	return c.invocations
}

func (c *Checker) weight(signer xdr.Signer) int32 {
	w := uint32(signer.Weight)
	if c.protocolVersion >= weightCapProtocolVersion && w > MaxSignerWeight {
		w = MaxSignerWeight
	}
	return int32(w)
}

func (c *Checker) matchHashX(key xdr.SignerKey, sig xdr.DecoratedSignature) bool {
	x := *key.HashX
	if !bytes.Equal(sig.Hint[:], x[len(x)-4:]) {
		return false
	}
	digest := sha256.Sum256(sig.Signature)
	return digest == [32]byte(x)
}

func (c *Checker) matchEd25519(key xdr.SignerKey, sig xdr.DecoratedSignature) bool {
	pub := *key.Ed25519
	if !bytes.Equal(sig.Hint[:], pub[len(pub)-4:]) {
		return false
	}
	return c.verifier.Verify(pub, sig.Signature, c.contentsHash[:])
}

func (c *Checker) matchSignedPayload(key xdr.SignerKey, sig xdr.DecoratedSignature) bool {
	payload := key.Ed25519SignedPayload
	if !bytes.Equal(sig.Hint[:], signedPayloadHint(payload.Ed25519, payload.Payload)) {
		return false
	}
	return c.verifier.Verify(payload.Ed25519, sig.Signature, payload.Payload)
}

// signedPayloadHint is the key hint XORed with the last four bytes of the
// payload, zero padded.
func signedPayloadHint(pub xdr.Uint256, payload []byte) []byte {
	hint := make([]byte, 4)
	copy(hint, pub[len(pub)-4:])
	var tail [4]byte
	if len(payload) >= 4 {
		copy(tail[:], payload[len(payload)-4:])
	} else {
		copy(tail[:], payload)
	}
	for i := range hint {
		hint[i] ^= tail[i]
	}
	return hint
}

// AccountSigners returns the signer set of an account: its master key,
// unless its weight is zero, followed by the additional signers.
func AccountSigners(account xdr.AccountEntry) []xdr.Signer {
	signers := make([]xdr.Signer, 0, len(account.Signers)+1)
	if master := account.Thresholds[xdr.ThresholdIndexesThresholdMasterWeight]; master > 0 {
		pub := *account.AccountId.Ed25519
		signers = append(signers, xdr.Signer{
			Key:    xdr.SignerKey{Type: xdr.SignerKeyTypeSignerKeyTypeEd25519, Ed25519: &pub},
			Weight: xdr.Uint32(master),
		})
	}
	return append(signers, account.Signers...)
}
