// Package cryptoutil wraps the signing, hashing, and address-derivation
// primitives the processor needs. Per spec.md §1 these are treated as
// external collaborators — the design here is intentionally thin, wiring
// real ecosystem libraries rather than hand-rolling elliptic curve math.
package cryptoutil

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // matches pack convention
)

// PrivateKey is the processor's compressed secp256k1 signing key, decoded
// once at startup from the PRIVATE_KEY config value (spec.md §6).
type PrivateKey struct {
	key *btcec.PrivateKey
}

// ParseWIF decodes a compressed WIF-encoded private key with the Bitcoin
// mainnet prefix (0x80), as spec.md §6 requires for PRIVATE_KEY.
func ParseWIF(wif string) (*PrivateKey, error) {
	if _, netID, err := base58.CheckDecode(wif); err == nil && netID != 0x80 {
		return nil, fmt.Errorf("PRIVATE_KEY must use the mainnet WIF prefix 0x80, got 0x%02x", netID)
	}
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("decode WIF: %w", err)
	}
	if !decoded.CompressPubKey {
		return nil, fmt.Errorf("PRIVATE_KEY must encode a compressed public key")
	}
	priv, _ := btcec.PrivKeyFromBytes(decoded.PrivKey.Serialize())
	return &PrivateKey{key: priv}, nil
}

// PublicKeyCompressed returns the 33-byte compressed SEC1 public key.
func (p *PrivateKey) PublicKeyCompressed() [33]byte {
	var out [33]byte
	copy(out[:], p.key.PubKey().SerializeCompressed())
	return out
}

// Raw exposes the underlying btcec key for signing.
func (p *PrivateKey) Raw() *btcec.PrivateKey {
	return p.key
}

// AddressFromPublicKey derives a Base58Check address from a compressed
// public key: SHA-256 then RIPEMD-160 (Hash160), prefixed with the
// processor's address version byte and check-summed. Grounded on the
// Bitcoin-style derivation the pack's wallet code uses.
func AddressFromPublicKey(pub [33]byte, versionByte byte) string {
	h := hash160(pub[:])
	return base58.CheckEncode(h, versionByte)
}

func hash160(b []byte) []byte {
	sha := sha256.Sum256(b)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	return ripe.Sum(nil)
}
