package lighter

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// signDomain prefixes every digest so a signature for one environment
// cannot be replayed against another.
const signDomain = "lighter.xyz/tx/v1:"

// Signer signs transaction payloads with a secp256k1 wallet key. The
// venue verifies keccak256(domain || canonicalJSON(payload)) against
// the account's registered key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewSigner constructs a signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("lighter: empty private key")
	}

	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("lighter: decode private key: %w", err)
	}

	return &Signer{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// Address returns the signer wallet address.
func (s *Signer) Address() string {
	return s.address
}

// Sign canonicalizes payload, hashes it under the domain prefix and
// returns the 65-byte r||s||v signature hex-encoded with v in {27,28}.
func (s *Signer) Sign(payload interface{}) (string, error) {
	if s == nil || s.key == nil {
		return "", errors.New("lighter: signer not initialised")
	}

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	digest := crypto.Keccak256(append([]byte(signDomain), canonical...))
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("lighter: sign payload: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// CanonicalJSON serializes v with object keys sorted recursively and no
// insignificant whitespace. The venue recomputes the same bytes when
// verifying, so any re-marshal on the wire path must preserve them; the
// adapter posts exactly these bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("lighter: marshal payload: %w", err)
	}

	var decoded interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("lighter: canonicalize payload: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, decoded); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyBytes)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case json.Number:
		b.WriteString(val.String())
		return nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(raw)
		return nil
	}
}
