// Package signer produces the wallet signatures venues require on order
// payloads. Signing is pure with respect to the executor: same fields in,
// same signature out, no state carried between orders.
package signer

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs canonical order payloads with an Ethereum key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// NewFromHex loads a signer from a hex-encoded private key (with or without
// the 0x prefix).
func NewFromHex(pkHex string) (*Signer, error) {
	pkHex = strings.TrimPrefix(pkHex, "0x")
	pk, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey).Hex(),
	}, nil
}

// Address returns the signing wallet's checksummed address.
func (s *Signer) Address() string {
	return s.address
}

// SignOrder hashes the canonical JSON encoding of the order fields and signs
// it. Fields are serialized in sorted key order so the same order always
// produces the same digest regardless of map iteration.
func (s *Signer) SignOrder(fields map[string]interface{}) (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		vj, err := json.Marshal(fields[k])
		if err != nil {
			return "", fmt.Errorf("encode order field %q: %w", k, err)
		}
		b.Write(kj)
		b.WriteByte(':')
		b.Write(vj)
	}
	b.WriteByte('}')

	hash := crypto.Keccak256([]byte(b.String()))
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	return hexutil.Encode(sig), nil
}
