package transport

import "time"

// Transport parameter ids.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-18.2
const (
	paramOriginalDestinationCID     = 0x00
	paramMaxIdleTimeout             = 0x01
	paramStatelessResetToken        = 0x02
	paramMaxUDPPayloadSize          = 0x03
	paramInitialMaxData             = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni    = 0x07
	paramInitialMaxStreamsBidi      = 0x08
	paramInitialMaxStreamsUni       = 0x09
	paramAckDelayExponent           = 0x0a
	paramMaxAckDelay                = 0x0b
	paramDisableActiveMigration     = 0x0c
	paramActiveConnectionIDLimit    = 0x0e
	paramInitialSourceCID           = 0x0f
	paramRetrySourceCID             = 0x10

	defaultAckDelayExponent = 3
	defaultMaxAckDelay      = 25 * time.Millisecond
	defaultMaxUDPPayloadSize = 65527
	defaultActiveConnectionIDLimit = 2
)

// Parameters holds the QUIC transport parameters exchanged during the
// handshake, in both directions: localParams is what we send, peerParams
// is what we parsed from the peer.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-18
type Parameters struct {
	OriginalDestinationCID []byte
	MaxIdleTimeout         time.Duration
	StatelessResetToken    []byte
	MaxUDPPayloadSize      uint64

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint64
	MaxAckDelay      time.Duration

	DisableActiveMigration  bool
	ActiveConnectionIDLimit uint64
	InitialSourceCID        []byte
	RetrySourceCID          []byte
}

// init fills in the RFC 9000 §18.2 defaults for fields an application
// leaves zero.
func (p *Parameters) init() {
	if p.AckDelayExponent == 0 {
		p.AckDelayExponent = defaultAckDelayExponent
	}
	if p.MaxAckDelay == 0 {
		p.MaxAckDelay = defaultMaxAckDelay
	}
	if p.MaxUDPPayloadSize == 0 {
		p.MaxUDPPayloadSize = defaultMaxUDPPayloadSize
	}
	if p.ActiveConnectionIDLimit == 0 {
		p.ActiveConnectionIDLimit = defaultActiveConnectionIDLimit
	}
}

// Marshal encodes the parameters as the quic_transport_parameters TLS
// extension body: a sequence of (varint id, varint length, value) tuples.
func (p *Parameters) Marshal() []byte {
	var b []byte
	if len(p.OriginalDestinationCID) > 0 {
		b = appendParamBytes(b, paramOriginalDestinationCID, p.OriginalDestinationCID)
	}
	b = appendParamVarint(b, paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	if len(p.StatelessResetToken) > 0 {
		b = appendParamBytes(b, paramStatelessResetToken, p.StatelessResetToken)
	}
	b = appendParamVarint(b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	b = appendParamVarint(b, paramInitialMaxData, p.InitialMaxData)
	b = appendParamVarint(b, paramInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	b = appendParamVarint(b, paramInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	b = appendParamVarint(b, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	b = appendParamVarint(b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	b = appendParamVarint(b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	b = appendParamVarint(b, paramAckDelayExponent, p.AckDelayExponent)
	b = appendParamVarint(b, paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	if p.DisableActiveMigration {
		b = appendParamBytes(b, paramDisableActiveMigration, nil)
	}
	b = appendParamVarint(b, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	b = appendParamBytes(b, paramInitialSourceCID, p.InitialSourceCID)
	if p.RetrySourceCID != nil {
		b = appendParamBytes(b, paramRetrySourceCID, p.RetrySourceCID)
	}
	return b
}

func appendParamVarint(b []byte, id uint64, value uint64) []byte {
	b = appendVarint(b, id)
	return appendVarintBytes(b, appendVarint(nil, value))
}

func appendParamBytes(b []byte, id uint64, value []byte) []byte {
	b = appendVarint(b, id)
	return appendVarintBytes(b, value)
}

// Unmarshal parses the quic_transport_parameters extension body received
// from the peer, applying defaults for any parameter the peer omitted.
func (p *Parameters) Unmarshal(b []byte) error {
	*p = Parameters{}
	for len(b) > 0 {
		var id uint64
		n := getVarint(b, &id)
		if n == 0 {
			return newError(TransportParameterError, "param id")
		}
		b = b[n:]
		value, n := getVarintBytes(b)
		if n == 0 {
			return newError(TransportParameterError, "param length")
		}
		b = b[n:]
		switch id {
		case paramOriginalDestinationCID:
			p.OriginalDestinationCID = value
		case paramMaxIdleTimeout:
			v, ok := decodeParamVarint(value)
			if !ok {
				return newError(TransportParameterError, "max_idle_timeout")
			}
			p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramStatelessResetToken:
			if len(value) != 16 {
				return newError(TransportParameterError, "stateless_reset_token")
			}
			p.StatelessResetToken = value
		case paramMaxUDPPayloadSize:
			v, ok := decodeParamVarint(value)
			if !ok || v < 1200 {
				return newError(TransportParameterError, "max_udp_payload_size")
			}
			p.MaxUDPPayloadSize = v
		case paramInitialMaxData:
			v, ok := decodeParamVarint(value)
			if !ok {
				return newError(TransportParameterError, "initial_max_data")
			}
			p.InitialMaxData = v
		case paramInitialMaxStreamDataBidiLocal:
			v, ok := decodeParamVarint(value)
			if !ok {
				return newError(TransportParameterError, "initial_max_stream_data_bidi_local")
			}
			p.InitialMaxStreamDataBidiLocal = v
		case paramInitialMaxStreamDataBidiRemote:
			v, ok := decodeParamVarint(value)
			if !ok {
				return newError(TransportParameterError, "initial_max_stream_data_bidi_remote")
			}
			p.InitialMaxStreamDataBidiRemote = v
		case paramInitialMaxStreamDataUni:
			v, ok := decodeParamVarint(value)
			if !ok {
				return newError(TransportParameterError, "initial_max_stream_data_uni")
			}
			p.InitialMaxStreamDataUni = v
		case paramInitialMaxStreamsBidi:
			v, ok := decodeParamVarint(value)
			if !ok {
				return newError(TransportParameterError, "initial_max_streams_bidi")
			}
			p.InitialMaxStreamsBidi = v
		case paramInitialMaxStreamsUni:
			v, ok := decodeParamVarint(value)
			if !ok {
				return newError(TransportParameterError, "initial_max_streams_uni")
			}
			p.InitialMaxStreamsUni = v
		case paramAckDelayExponent:
			v, ok := decodeParamVarint(value)
			if !ok || v > 20 {
				return newError(TransportParameterError, "ack_delay_exponent")
			}
			p.AckDelayExponent = v
		case paramMaxAckDelay:
			v, ok := decodeParamVarint(value)
			if !ok {
				return newError(TransportParameterError, "max_ack_delay")
			}
			p.MaxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			p.DisableActiveMigration = true
		case paramActiveConnectionIDLimit:
			v, ok := decodeParamVarint(value)
			if !ok || v < 2 {
				return newError(TransportParameterError, "active_connection_id_limit")
			}
			p.ActiveConnectionIDLimit = v
		case paramInitialSourceCID:
			p.InitialSourceCID = value
		case paramRetrySourceCID:
			p.RetrySourceCID = value
		}
		// Unknown parameters are ignored, per Section 18.1.
	}
	p.init()
	return nil
}

func decodeParamVarint(b []byte) (uint64, bool) {
	var v uint64
	n := getVarint(b, &v)
	return v, n == len(b) && n > 0
}
