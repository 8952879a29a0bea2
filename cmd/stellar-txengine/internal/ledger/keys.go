package ledger

import (
	"fmt"
	"sort"

	"github.com/stellar/go/xdr"
)

// EncodeKey returns the canonical XDR encoding of a ledger key, usable as a
// map key. Two keys encode equally iff they name the same entry.
func EncodeKey(key xdr.LedgerKey) string {
	raw, err := key.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("could not encode ledger key: %v", err))
	}
	return string(raw)
}

func AccountKey(id xdr.AccountId) xdr.LedgerKey {
	return xdr.LedgerKey{
		Type:    xdr.LedgerEntryTypeAccount,
		Account: &xdr.LedgerKeyAccount{AccountId: id},
	}
}

// KeySet is a set of ledger keys.
type KeySet struct {
	keys map[string]xdr.LedgerKey
}

func NewKeySet(keys ...xdr.LedgerKey) *KeySet {
	s := &KeySet{keys: make(map[string]xdr.LedgerKey, len(keys))}
	for _, key := range keys {
		s.Add(key)
	}
	return s
}

// Add inserts key and reports whether it was absent.
func (s *KeySet) Add(key xdr.LedgerKey) bool {
	encoded := EncodeKey(key)
	if _, ok := s.keys[encoded]; ok {
		return false
	}
	s.keys[encoded] = key
	return true
}

func (s *KeySet) Has(key xdr.LedgerKey) bool {
	_, ok := s.keys[EncodeKey(key)]
	return ok
}

func (s *KeySet) Remove(key xdr.LedgerKey) {
	delete(s.keys, EncodeKey(key))
}

func (s *KeySet) Union(other *KeySet) {
	for encoded, key := range other.keys {
		s.keys[encoded] = key
	}
}

func (s *KeySet) Len() int {
	return len(s.keys)
}

// Keys returns the members ordered by their encoding.
func (s *KeySet) Keys() []xdr.LedgerKey {
	encoded := make([]string, 0, len(s.keys))
	for k := range s.keys {
		encoded = append(encoded, k)
	}
	sort.Strings(encoded)
	out := make([]xdr.LedgerKey, 0, len(encoded))
	for _, k := range encoded {
		out = append(out, s.keys[k])
	}
	return out
}
