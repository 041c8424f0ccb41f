// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/jeranaias/rigroute/internal/model"
)

// =============================================================================
// HASH ALGORITHMS
// =============================================================================

// Supported chain hash algorithms.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgSHA256     = "sha256"
	AlgBLAKE2b256 = "blake2b-256"
)

// KeySize is the HMAC key size in bytes (256 bits).
const KeySize = 32

// Hasher computes entry_hash = H(prev_hash || payload).
type Hasher interface {
	Algorithm() string
	Sum(prevHash string, payload []byte) string
}

type hasher struct {
	alg string
	new func() hash.Hash
}

func (h hasher) Algorithm() string { return h.alg }

func (h hasher) Sum(prevHash string, payload []byte) string {
	d := h.new()
	d.Write([]byte(prevHash))
	d.Write(payload)
	return hex.EncodeToString(d.Sum(nil))
}

// NewHasher returns a hasher for alg. An empty alg picks HMAC-SHA256 when
// key is set and SHA-256 otherwise.
func NewHasher(alg string, key []byte) (Hasher, error) {
	alg = strings.ToLower(strings.TrimSpace(alg))
	if alg == "" {
		if len(key) > 0 {
			alg = AlgHMACSHA256
		} else {
			alg = AlgSHA256
		}
	}
	switch alg {
	case AlgHMACSHA256:
		if len(key) != KeySize {
			return nil, fmt.Errorf("%s requires a %d-byte key, got %d", alg, KeySize, len(key))
		}
		k := append([]byte(nil), key...)
		return hasher{alg: alg, new: func() hash.Hash { return hmac.New(sha256.New, k) }}, nil
	case AlgSHA256:
		return hasher{alg: alg, new: sha256.New}, nil
	case AlgBLAKE2b256:
		var k []byte
		if len(key) > 0 {
			k = append([]byte(nil), key...)
		}
		if _, err := blake2b.New256(k); err != nil {
			return nil, fmt.Errorf("blake2b key: %w", err)
		}
		return hasher{alg: alg, new: func() hash.Hash {
			h, _ := blake2b.New256(k)
			return h
		}}, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", alg)
	}
}

// =============================================================================
// KEY LOADING
// =============================================================================

// KeySource indicates where the HMAC key was loaded from.
type KeySource string

const (
	KeySourceConfig KeySource = "config"
	KeySourceFile   KeySource = "key_file"
	KeySourceNone   KeySource = "not_loaded"
)

// LoadKey loads the chain key. A hex key wins over a key file. When neither
// is configured it returns a nil key and KeySourceNone; keys are never
// generated.
func LoadKey(hexKey, keyFile string) ([]byte, KeySource, error) {
	if hexKey = strings.TrimSpace(hexKey); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, KeySourceNone, fmt.Errorf("invalid audit key: %w", err)
		}
		if len(key) != KeySize {
			return nil, KeySourceNone, fmt.Errorf("audit key must be %d bytes, got %d", KeySize, len(key))
		}
		return key, KeySourceConfig, nil
	}
	if keyFile != "" {
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, KeySourceNone, fmt.Errorf("read audit key file %s: %w", keyFile, err)
		}
		key := raw
		// Accept hex-encoded files as well as raw bytes.
		if trimmed := strings.TrimSpace(string(raw)); len(trimmed) == KeySize*2 {
			if decoded, err := hex.DecodeString(trimmed); err == nil {
				key = decoded
				zeroBytes(raw)
			}
		}
		if len(key) != KeySize {
			return nil, KeySourceNone, fmt.Errorf("audit key file must hold %d bytes, got %d", KeySize, len(key))
		}
		return key, KeySourceFile, nil
	}
	return nil, KeySourceNone, nil
}

// Fingerprint returns a short identifier for key, safe to log.
func Fingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// zeroBytes wipes key material.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// CANONICAL FORM
// =============================================================================

// Canonical serializes every field of d except its own hashes. Timestamps
// are normalized to UTC so a decision read back from storage serializes
// identically.
func Canonical(d model.SelectionDecision) ([]byte, error) {
	d.PrevHash = ""
	d.EntryHash = ""
	d.CreatedAt = d.CreatedAt.UTC()
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("canonicalize decision %s: %w", d.ID, err)
	}
	return data, nil
}

// EntryHash computes H(prev_hash || canonical(d)).
func EntryHash(h Hasher, d model.SelectionDecision) (string, error) {
	payload, err := Canonical(d)
	if err != nil {
		return "", err
	}
	return h.Sum(d.PrevHash, payload), nil
}
