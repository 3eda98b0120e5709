// Package keystream derives a session cipher from a shared secret and
// produces seekable AES-CTR keystream segments for named logical streams.
package keystream

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/argon2"
)

// Fixed application-wide salt. The shared secrets are short (83 bits), so the
// memory-hard derivation below is what stretches them against brute force.
const salt = "This is a non-random salt for termlink, stretching the security of short 83-bit keys!"

// Argon2id parameters. These are part of the wire contract: the server stores
// the encrypted zero block, so every client must derive the same key.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024 // KiB
	argonLanes   = 1
	argonKeyLen  = 16
)

// Cipher is a segment-addressable stream cipher keyed from a shared secret.
// The zero value is unusable; construct with Derive.
type Cipher struct {
	key [argonKeyLen]byte
}

// Derive runs Argon2id over the secret and returns the session cipher.
// It is CPU- and memory-intensive (~19 MiB); call it once per secret.
func Derive(secret string) *Cipher {
	c := &Cipher{}
	key := argon2.IDKey([]byte(secret), []byte(salt), argonTime, argonMemory, argonLanes, argonKeyLen)
	copy(c.key[:], key)
	return c
}

// Zeros encrypts a 16-byte zero block under IV=0. The result is a pure
// function of the secret, so the server can verify that a client knows the
// secret by comparison without ever seeing the secret itself.
func (c *Cipher) Zeros() []byte {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		panic("keystream: " + err.Error())
	}
	out := make([]byte, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	cipher.NewCTR(block, iv).XORKeyStream(out, out)
	return out
}

// Segment XORs data with the keystream of stream streamID at the given byte
// offset. Encryption and decryption are the same operation. Segments over
// adjacent offsets concatenate to the same bytes as one segment over the
// whole range, so callers can seek anywhere in a stream without processing
// the bytes before it.
//
// streamID selects an independent keystream namespace and must be nonzero;
// a zero id is a caller bug and panics.
func (c *Cipher) Segment(streamID, offset uint64, data []byte) []byte {
	if streamID == 0 {
		panic("keystream: stream id must be nonzero")
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		panic("keystream: " + err.Error())
	}

	// IV = streamID (8 bytes BE) || block counter (8 bytes BE). CTR mode
	// increments the trailing counter, so offset/16 seeks to the block
	// containing the first byte.
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[:8], streamID)
	binary.BigEndian.PutUint64(iv[8:], offset/aes.BlockSize)
	stream := cipher.NewCTR(block, iv)

	// Discard keystream up to the true byte offset within the first block.
	if skip := offset % aes.BlockSize; skip > 0 {
		scratch := make([]byte, skip)
		stream.XORKeyStream(scratch, scratch)
	}

	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out
}
