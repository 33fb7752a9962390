// Package bitcoinaddr canonicalizes Bitcoin Cash addresses. Tracked BCH
// accounts keep the form the user entered; matching against provider data uses
// the canonical CashAddr form produced here.
package bitcoinaddr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	CashAddrPrefix = "bitcoincash"

	typeP2PKH = 0
	typeP2SH  = 1
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetRev = func() map[byte]byte {
	m := make(map[byte]byte, len(charset))
	for i := 0; i < len(charset); i++ {
		m[charset[i]] = byte(i)
	}
	return m
}()

// polyMod is the BCH checksum defined by the CashAddr spec.
func polyMod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func expandPrefix(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc, bits uint
	var out []byte
	maxv := uint(1)<<toBits - 1
	for _, b := range data {
		if uint(b)>>fromBits != 0 {
			return nil, fmt.Errorf("value %d exceeds %d bits", b, fromBits)
		}
		acc = acc<<fromBits | uint(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, errors.New("invalid padding")
	}
	return out, nil
}

// Encode builds a CashAddr string (with prefix) for a 20-byte hash.
func Encode(prefix string, addrType byte, hash []byte) (string, error) {
	if len(hash) != 20 {
		return "", fmt.Errorf("unsupported hash length %d", len(hash))
	}
	version := addrType << 3 // size bits are 0 for 160-bit hashes
	payload, err := convertBits(append([]byte{version}, hash...), 8, 5, true)
	if err != nil {
		return "", err
	}

	checksumInput := append(expandPrefix(prefix), payload...)
	checksumInput = append(checksumInput, 0, 0, 0, 0, 0, 0, 0, 0)
	mod := polyMod(checksumInput)

	data := append(payload, make([]byte, 8)...)
	for i := 0; i < 8; i++ {
		data[len(payload)+i] = byte(mod >> uint(5*(7-i)) & 0x1f)
	}

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, d := range data {
		sb.WriteByte(charset[d])
	}
	return sb.String(), nil
}

// Decode parses a CashAddr string, with or without its prefix, and returns the
// address type and 20-byte hash.
func Decode(addr string) (addrType byte, hash []byte, err error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	prefix := CashAddrPrefix
	if idx := strings.IndexByte(addr, ':'); idx >= 0 {
		prefix = addr[:idx]
		addr = addr[idx+1:]
	}

	data := make([]byte, 0, len(addr))
	for i := 0; i < len(addr); i++ {
		v, ok := charsetRev[addr[i]]
		if !ok {
			return 0, nil, fmt.Errorf("invalid cashaddr character %q", addr[i])
		}
		data = append(data, v)
	}
	if len(data) < 9 {
		return 0, nil, errors.New("cashaddr too short")
	}
	if polyMod(append(expandPrefix(prefix), data...)) != 0 {
		return 0, nil, errors.New("cashaddr checksum mismatch")
	}

	payload, err := convertBits(data[:len(data)-8], 5, 8, false)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) != 21 {
		return 0, nil, fmt.Errorf("unsupported payload length %d", len(payload))
	}
	return payload[0] >> 3, payload[1:], nil
}

// Canonical converts any accepted BCH address form (legacy base58, prefixed or
// bare CashAddr) into the prefixed lowercase CashAddr form used for matching.
func Canonical(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "", errors.New("empty address")
	}

	// CashAddr, with or without prefix.
	if addrType, hash, err := Decode(trimmed); err == nil {
		return Encode(CashAddrPrefix, addrType, hash)
	}

	// Legacy base58: BCH shares version bytes with BTC mainnet.
	decoded, err := btcutil.DecodeAddress(trimmed, &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("not a valid BCH address: %q", address)
	}
	switch a := decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		return Encode(CashAddrPrefix, typeP2PKH, a.Hash160()[:])
	case *btcutil.AddressScriptHash:
		return Encode(CashAddrPrefix, typeP2SH, a.Hash160()[:])
	default:
		return "", fmt.Errorf("unsupported legacy address type for %q", address)
	}
}

// Forms returns both representations a provider might echo back: prefixed and
// bare. The canonical input must already be prefixed.
func Forms(canonical string) []string {
	bare := strings.TrimPrefix(canonical, CashAddrPrefix+":")
	return []string{canonical, bare}
}
