package transport

import "fmt"

// ErrorCode is a QUIC transport error code.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#name-transport-error-codes
type ErrorCode uint64

// Transport error codes defined by RFC 9000, Section 20.1.
const (
	NoError                ErrorCode = 0x00
	InternalError          ErrorCode = 0x01
	ConnectionRefused      ErrorCode = 0x02
	FlowControlError       ErrorCode = 0x03
	StreamLimitError       ErrorCode = 0x04
	StreamStateError       ErrorCode = 0x05
	FinalSizeError         ErrorCode = 0x06
	FrameEncodingError     ErrorCode = 0x07
	TransportParameterError ErrorCode = 0x08
	ConnectionIDLimitError ErrorCode = 0x09
	ProtocolViolation      ErrorCode = 0x0a
	InvalidToken           ErrorCode = 0x0b
	ApplicationError       ErrorCode = 0x0c
	CryptoBufferExceeded   ErrorCode = 0x0d
	KeyUpdateError         ErrorCode = 0x0e
	AEADLimitReached       ErrorCode = 0x0f
	NoViablePath           ErrorCode = 0x10
	cryptoErrorBase        ErrorCode = 0x100
)

// errorCodeString renders an error code the way it appears on the wire,
// including the crypto alert offset for CRYPTO_ERROR.
func errorCodeString(code uint64) string {
	switch ErrorCode(code) {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ConnectionRefused:
		return "connection_refused"
	case FlowControlError:
		return "flow_control_error"
	case StreamLimitError:
		return "stream_limit_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ConnectionIDLimitError:
		return "connection_id_limit_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidToken:
		return "invalid_token"
	case ApplicationError:
		return "application_error"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	case KeyUpdateError:
		return "key_update_error"
	case AEADLimitReached:
		return "aead_limit_reached"
	case NoViablePath:
		return "no_viable_path"
	}
	if code >= uint64(cryptoErrorBase) && code <= uint64(cryptoErrorBase)+0xff {
		return fmt.Sprintf("crypto_error_%d", code&0xff)
	}
	return fmt.Sprintf("error_0x%x", code)
}

// cryptoAlertError builds the CRYPTO_ERROR code for a TLS alert, per
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-4.8
func cryptoAlertError(alert uint8) ErrorCode {
	return cryptoErrorBase | ErrorCode(alert)
}

// Error is a local or peer-signalled transport error.
// It is the type returned by Conn operations that fail with a QUIC
// transport error code; connectionCloseFrame carries only the raw code.
type Error struct {
	Code   ErrorCode
	Remote bool // true if the error was reported by the peer
	msg    string
}

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

func (e *Error) Error() string {
	if e.msg == "" {
		return errorCodeString(uint64(e.Code))
	}
	return errorCodeString(uint64(e.Code)) + ": " + e.msg
}

// Local operational errors: malformed input, short buffers, pool
// exhaustion. These never cross the wire and never trigger a connection
// close on their own; callers drop the offending packet or frame.
var (
	errShortBuffer  = fmt.Errorf("transport: short buffer")
	errInvalidToken = fmt.Errorf("transport: invalid retry token")
	errFlowControl  = newError(FlowControlError, "flow control limit exceeded")
)
