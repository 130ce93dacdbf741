package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// Packet protection (AEAD) and header protection.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-5

// initialSalt is used to derive Initial packet protection keys.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-5.2
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0a, 0xcd,
	0xcc, 0xbb, 0x7f, 0x0a,
}

const (
	initialKeyLength = 16 // AES-128
	ivLength         = 12
	hpSampleLength   = 16
)

// headerProtector computes the 5-byte mask XORed into the first byte and
// truncated packet number of a protected packet.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-5.4
type headerProtector interface {
	mask(sample []byte) ([5]byte, error)
}

type aesHeaderProtector struct {
	block cipher.Block
}

func newAESHeaderProtector(key []byte) (*aesHeaderProtector, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &aesHeaderProtector{block: block}, nil
}

func (h *aesHeaderProtector) mask(sample []byte) ([5]byte, error) {
	var out [5]byte
	if len(sample) < h.block.BlockSize() {
		return out, errShortBuffer
	}
	var buf [16]byte
	h.block.Encrypt(buf[:], sample)
	copy(out[:], buf[:5])
	return out, nil
}

type chachaHeaderProtector struct {
	key []byte
}

func (h *chachaHeaderProtector) mask(sample []byte) ([5]byte, error) {
	var out [5]byte
	if len(sample) < 16 {
		return out, errShortBuffer
	}
	counter := binary.LittleEndian.Uint32(sample[:4])
	nonce := sample[4:16]
	c, err := chacha20.NewUnauthenticatedCipher(h.key, nonce)
	if err != nil {
		return out, err
	}
	c.SetCounter(counter)
	var zeroes [5]byte
	c.XORKeyStream(out[:], zeroes[:])
	return out, nil
}

// packetProtection holds one direction's (read or write) keys for one
// packet number space: the AEAD used to seal/open the payload and the
// header protector used to mask the first byte and packet number.
type packetProtection struct {
	aead cipher.AEAD
	hp   headerProtector
	iv   []byte
}

func (k *packetProtection) nonce(pn uint64) []byte {
	nonce := make([]byte, len(k.iv))
	copy(nonce, k.iv)
	var pnBytes [8]byte
	binary.BigEndian.PutUint64(pnBytes[:], pn)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= pnBytes[i]
	}
	return nonce
}

func (k *packetProtection) Overhead() int {
	return k.aead.Overhead()
}

// seal appends the AEAD-sealed ciphertext of payload to dst, authenticated
// over header (the packet header including the cleartext packet number).
func (k *packetProtection) seal(dst []byte, pn uint64, header, payload []byte) []byte {
	return k.aead.Seal(dst, k.nonce(pn), payload, header)
}

// open decrypts and authenticates ciphertext, appending the plaintext to dst.
func (k *packetProtection) open(dst []byte, pn uint64, header, ciphertext []byte) ([]byte, error) {
	out, err := k.aead.Open(dst, k.nonce(pn), ciphertext, header)
	if err != nil {
		return nil, newError(ProtocolViolation, "packet protection")
	}
	return out, nil
}

func newAESPacketProtection(key, iv, hpKey []byte) (*packetProtection, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	hp, err := newAESHeaderProtector(hpKey)
	if err != nil {
		return nil, err
	}
	return &packetProtection{aead: aead, hp: hp, iv: iv}, nil
}

func newChaChaPacketProtection(key, iv, hpKey []byte) (*packetProtection, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &packetProtection{aead: aead, hp: &chachaHeaderProtector{key: hpKey}, iv: iv}, nil
}

// initialAEAD derives the Initial packet protection keys for both
// directions from the client's chosen destination connection ID.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-5.2
type initialAEAD struct {
	client *packetProtection
	server *packetProtection
}

func (a *initialAEAD) init(cid []byte) {
	initialSecret := hkdf.Extract(sha256.New, cid, initialSalt)
	clientSecret := hkdfExpandLabel(initialSecret, "client in", nil, sha256.Size)
	serverSecret := hkdfExpandLabel(initialSecret, "server in", nil, sha256.Size)
	a.client = deriveAESKeys(clientSecret)
	a.server = deriveAESKeys(serverSecret)
}

func deriveAESKeys(secret []byte) *packetProtection {
	key := hkdfExpandLabel(secret, "quic key", nil, initialKeyLength)
	iv := hkdfExpandLabel(secret, "quic iv", nil, ivLength)
	hp := hkdfExpandLabel(secret, "quic hp", nil, initialKeyLength)
	k, err := newAESPacketProtection(key, iv, hp)
	if err != nil {
		// key/iv/hp lengths are fixed constants above; construction cannot fail.
		panic(err)
	}
	return k
}

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label function over
// SHA-256, used for Initial secrets which RFC 9001 §5.2 fixes to SHA-256
// regardless of the negotiated cipher suite.
// https://www.rfc-editor.org/rfc/rfc8446#section-7.1
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	return hkdfExpandLabelHash(sha256.New, secret, label, context, length)
}

// hkdfExpandLabelHash is hkdfExpandLabel generalized to the hash function
// of the negotiated cipher suite, needed once the handshake moves past
// Initial keys to suites like TLS_AES_256_GCM_SHA384.
func hkdfExpandLabelHash(newHash func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 " + label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	info, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	out := make([]byte, length)
	r := hkdf.Expand(newHash, secret, info)
	if _, err := r.Read(out); err != nil {
		panic(err)
	}
	return out
}

// packetProtectionFromSecret derives one direction's packet and header
// protection keys from a TLS handshake or application traffic secret, per
// the cipher suite negotiated by the handshake.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-5.1
func packetProtectionFromSecret(suite uint16, secret []byte) (*packetProtection, error) {
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256:
		key := hkdfExpandLabelHash(sha256.New, secret, "quic key", nil, 16)
		iv := hkdfExpandLabelHash(sha256.New, secret, "quic iv", nil, ivLength)
		hp := hkdfExpandLabelHash(sha256.New, secret, "quic hp", nil, 16)
		return newAESPacketProtection(key, iv, hp)
	case tls.TLS_AES_256_GCM_SHA384:
		key := hkdfExpandLabelHash(sha512.New384, secret, "quic key", nil, 32)
		iv := hkdfExpandLabelHash(sha512.New384, secret, "quic iv", nil, ivLength)
		hp := hkdfExpandLabelHash(sha512.New384, secret, "quic hp", nil, 32)
		return newAESPacketProtection(key, iv, hp)
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		key := hkdfExpandLabelHash(sha256.New, secret, "quic key", nil, 32)
		iv := hkdfExpandLabelHash(sha256.New, secret, "quic iv", nil, ivLength)
		hp := hkdfExpandLabelHash(sha256.New, secret, "quic hp", nil, 32)
		return newChaChaPacketProtection(key, iv, hp)
	default:
		return nil, newError(InternalError, fmt.Sprintf("unsupported cipher suite 0x%x", suite))
	}
}
