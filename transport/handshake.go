package transport

import (
	"context"
	"crypto/tls"
)

// tlsHandshake drives the TLS 1.3 handshake using the standard library's
// QUIC-aware crypto/tls API, translating its key and data events into
// packetNumberSpace key installation and CRYPTO stream writes.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html
type tlsHandshake struct {
	conn      *Conn
	tlsConfig *tls.Config

	qc *tls.QUICConn

	localParamsData []byte
	peerParams      Parameters
	gotPeerParams   bool
	complete        bool

	// space is the highest packet number space for which write keys have
	// been installed, i.e. the space Conn should use to send a probe or
	// a CONNECTION_CLOSE when no other space has anything to say.
	space packetSpace
}

func (h *tlsHandshake) init(conn *Conn, tlsConfig *tls.Config) {
	h.conn = conn
	h.tlsConfig = tlsConfig
	h.space = packetSpaceInitial
}

// setTransportParams records our local transport parameters, sending them
// immediately if the TLS connection already exists.
func (h *tlsHandshake) setTransportParams(p *Parameters) {
	h.localParamsData = p.Marshal()
	if h.qc != nil {
		h.qc.SetTransportParameters(h.localParamsData)
	}
}

// reset discards the in-progress TLS connection so the handshake can be
// restarted after version negotiation or a Retry.
func (h *tlsHandshake) reset() {
	h.qc = nil
	h.complete = false
	h.gotPeerParams = false
	h.space = packetSpaceInitial
}

func (h *tlsHandshake) ensureStarted() error {
	if h.qc != nil {
		return nil
	}
	cfg := h.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	qcfg := &tls.QUICConfig{TLSConfig: cfg}
	if h.conn.isClient {
		h.qc = tls.QUICClient(qcfg)
	} else {
		h.qc = tls.QUICServer(qcfg)
	}
	if h.localParamsData != nil {
		h.qc.SetTransportParameters(h.localParamsData)
	}
	return h.qc.Start(context.Background())
}

// doHandshake feeds any newly-received CRYPTO data into the TLS state
// machine and drains resulting events: new keys, outbound handshake
// bytes, the peer's transport parameters, and handshake completion.
func (h *tlsHandshake) doHandshake() error {
	if err := h.ensureStarted(); err != nil {
		return err
	}
	for space := packetSpaceInitial; space < packetSpaceCount; space++ {
		level := quicLevelFromSpace(space)
		for {
			data := h.conn.packetNumberSpaces[space].cryptoStream.popRecv()
			if len(data) == 0 {
				break
			}
			if err := h.qc.HandleData(level, data); err != nil {
				return tlsHandshakeError(err)
			}
		}
	}
	return h.drainEvents()
}

func (h *tlsHandshake) drainEvents() error {
	for {
		e := h.qc.NextEvent()
		switch e.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			prot, err := packetProtectionFromSecret(e.Suite, e.Data)
			if err != nil {
				return err
			}
			h.conn.packetNumberSpaces[spaceFromQUICLevel(e.Level)].opener = prot
		case tls.QUICSetWriteSecret:
			prot, err := packetProtectionFromSecret(e.Suite, e.Data)
			if err != nil {
				return err
			}
			space := spaceFromQUICLevel(e.Level)
			h.conn.packetNumberSpaces[space].sealer = prot
			if space > h.space {
				h.space = space
			}
		case tls.QUICWriteData:
			space := spaceFromQUICLevel(e.Level)
			h.conn.packetNumberSpaces[space].cryptoStream.pushSend(e.Data)
		case tls.QUICTransportParameters:
			if err := h.peerParams.Unmarshal(e.Data); err != nil {
				return err
			}
			h.gotPeerParams = true
		case tls.QUICHandshakeDone:
			h.complete = true
		}
	}
}

// HandshakeComplete reports whether the TLS handshake has finished on
// our side (the server has sent its Finished, the client has verified
// it).
func (h *tlsHandshake) HandshakeComplete() bool {
	return h.complete
}

// peerTransportParams returns the peer's transport parameters once known.
func (h *tlsHandshake) peerTransportParams() *Parameters {
	if !h.gotPeerParams {
		return nil
	}
	return &h.peerParams
}

// writeSpace returns the highest packet number space with write keys
// installed, used to pick a space for a probe or close frame when no
// space otherwise has data ready.
func (h *tlsHandshake) writeSpace() packetSpace {
	return h.space
}

func quicLevelFromSpace(space packetSpace) tls.QUICEncryptionLevel {
	switch space {
	case packetSpaceInitial:
		return tls.QUICEncryptionLevelInitial
	case packetSpaceHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func spaceFromQUICLevel(level tls.QUICEncryptionLevel) packetSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return packetSpaceInitial
	case tls.QUICEncryptionLevelHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}

// tlsHandshakeError maps a TLS alert produced during the handshake to a
// QUIC CRYPTO_ERROR, per https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-4.8
func tlsHandshakeError(err error) error {
	if alertErr, ok := err.(tls.AlertError); ok {
		return newError(cryptoAlertError(uint8(alertErr)), err.Error())
	}
	return err
}
