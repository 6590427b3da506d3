package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
)

// fingerprintVersion must be bumped whenever the canonical encoding changes.
const fingerprintVersion byte = 1

// FingerprintLen is the hex length of a fingerprint (128 bits of SHA-256).
const FingerprintLen = 32

// Fingerprint returns the content address of the request's semantic payload:
// model, messages (in order), max_tokens, temperature and top_p.
//
// The encoding is length-prefixed and field-tagged, so JSON key order and
// whitespace in the original body cannot affect the result.
func Fingerprint(req *CompletionRequest) string {
	h := sha256.New()
	var scratch [8]byte

	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(scratch[:], v)
		h.Write(scratch[:])
	}
	writeString := func(tag byte, s string) {
		h.Write([]byte{tag})
		writeUint(uint64(len(s)))
		h.Write([]byte(s))
	}
	writeOptFloat := func(tag byte, f *float64) {
		h.Write([]byte{tag})
		if f == nil {
			h.Write([]byte{0})
			return
		}
		h.Write([]byte{1})
		v := *f
		if v == 0 {
			v = 0 // -0 and +0 fingerprint alike
		}
		writeUint(math.Float64bits(v))
	}

	h.Write([]byte{fingerprintVersion})
	writeString('m', req.Model)
	h.Write([]byte{'n'})
	writeUint(uint64(len(req.Messages)))
	for _, msg := range req.Messages {
		writeString('r', string(msg.Role))
		writeString('c', msg.Content)
	}
	h.Write([]byte{'x'})
	writeUint(uint64(int64(req.MaxTokens)))
	writeOptFloat('t', req.Temperature)
	writeOptFloat('p', req.TopP)

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:FingerprintLen/2])
}
