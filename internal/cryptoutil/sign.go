package cryptoutil

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// DoubleSHA256 is the domain-separated hash spec.md §4.C requires for block
// hashing: SHA-256² of the sign-prefixed canonical bytes.
func DoubleSHA256(signPrefix string, body []byte) [32]byte {
	buf := make([]byte, 0, len(signPrefix)+len(body))
	buf = append(buf, signPrefix...)
	buf = append(buf, body...)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return second
}

// Sign produces a 64-byte compact ECDSA signature over digest.
func Sign(priv *PrivateKey, digest [32]byte) ([64]byte, error) {
	// SignCompact returns recovery-byte || R (32B) || S (32B); drop the
	// recovery byte to get the fixed-width R||S form spec.md §3 assigns to
	// both transactions and blocks.
	compact := ecdsa.SignCompact(priv.key, digest[:], true)
	var out [64]byte
	copy(out[:], compact[1:])
	return out, nil
}

// Verify checks a 64-byte compact signature against a compressed public key.
func Verify(pub [33]byte, digest [32]byte, sig [64]byte) bool {
	parsedPub, err := btcec.ParsePubKey(pub[:])
	if err != nil {
		return false
	}
	r := new(btcec.ModNScalar)
	r.SetByteSlice(sig[:32])
	s := new(btcec.ModNScalar)
	s.SetByteSlice(sig[32:])
	parsedSig := ecdsa.NewSignature(r, s)
	return parsedSig.Verify(digest[:], parsedPub)
}
