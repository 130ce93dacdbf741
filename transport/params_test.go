package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestParametersMarshalRoundTrip(t *testing.T) {
	p := Parameters{
		OriginalDestinationCID:  []byte{1, 2, 3, 4},
		MaxIdleTimeout:          30 * time.Second,
		StatelessResetToken:     bytes.Repeat([]byte{0xaa}, 16),
		MaxUDPPayloadSize:       1452,
		InitialMaxData:          1 << 20,
		InitialMaxStreamDataBidiLocal:  65536,
		InitialMaxStreamDataBidiRemote: 65536,
		InitialMaxStreamDataUni:        65536,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           3,
		AckDelayExponent:               3,
		MaxAckDelay:                    25 * time.Millisecond,
		DisableActiveMigration:         true,
		ActiveConnectionIDLimit:        4,
		InitialSourceCID:               []byte{5, 6, 7, 8},
		RetrySourceCID:                 []byte{9, 9},
	}
	b := p.Marshal()
	var got Parameters
	if err := got.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !bytes.Equal(got.OriginalDestinationCID, p.OriginalDestinationCID) {
		t.Errorf("OriginalDestinationCID = %x, want %x", got.OriginalDestinationCID, p.OriginalDestinationCID)
	}
	if got.MaxIdleTimeout != p.MaxIdleTimeout {
		t.Errorf("MaxIdleTimeout = %v, want %v", got.MaxIdleTimeout, p.MaxIdleTimeout)
	}
	if !bytes.Equal(got.StatelessResetToken, p.StatelessResetToken) {
		t.Errorf("StatelessResetToken mismatch")
	}
	if got.MaxUDPPayloadSize != p.MaxUDPPayloadSize {
		t.Errorf("MaxUDPPayloadSize = %d, want %d", got.MaxUDPPayloadSize, p.MaxUDPPayloadSize)
	}
	if got.InitialMaxData != p.InitialMaxData {
		t.Errorf("InitialMaxData = %d, want %d", got.InitialMaxData, p.InitialMaxData)
	}
	if got.InitialMaxStreamsBidi != p.InitialMaxStreamsBidi {
		t.Errorf("InitialMaxStreamsBidi = %d, want %d", got.InitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	}
	if !got.DisableActiveMigration {
		t.Errorf("DisableActiveMigration = false, want true")
	}
	if got.ActiveConnectionIDLimit != p.ActiveConnectionIDLimit {
		t.Errorf("ActiveConnectionIDLimit = %d, want %d", got.ActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	}
	if !bytes.Equal(got.RetrySourceCID, p.RetrySourceCID) {
		t.Errorf("RetrySourceCID mismatch")
	}
}

func TestParametersUnmarshalDefaults(t *testing.T) {
	// An empty peer transport parameters blob (as a client sees from a
	// minimal server) should still produce usable defaults.
	var p Parameters
	if err := p.Unmarshal(nil); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.AckDelayExponent != defaultAckDelayExponent {
		t.Errorf("AckDelayExponent = %d, want %d", p.AckDelayExponent, defaultAckDelayExponent)
	}
	if p.MaxAckDelay != defaultMaxAckDelay {
		t.Errorf("MaxAckDelay = %v, want %v", p.MaxAckDelay, defaultMaxAckDelay)
	}
	if p.MaxUDPPayloadSize != defaultMaxUDPPayloadSize {
		t.Errorf("MaxUDPPayloadSize = %d, want %d", p.MaxUDPPayloadSize, defaultMaxUDPPayloadSize)
	}
	if p.ActiveConnectionIDLimit != defaultActiveConnectionIDLimit {
		t.Errorf("ActiveConnectionIDLimit = %d, want %d", p.ActiveConnectionIDLimit, defaultActiveConnectionIDLimit)
	}
}

func TestParametersUnmarshalRejectsSmallPayload(t *testing.T) {
	// max_udp_payload_size below 1200 violates RFC 9000 §18.2 and must
	// be rejected.
	var b []byte
	b = appendParamVarint(b, paramMaxUDPPayloadSize, 1199)
	var p Parameters
	if err := p.Unmarshal(b); err == nil {
		t.Fatalf("Unmarshal accepted max_udp_payload_size=1199")
	}
}

func TestParametersUnmarshalIgnoresUnknownID(t *testing.T) {
	var b []byte
	b = appendParamBytes(b, 0xff, []byte{1, 2, 3})
	b = appendParamVarint(b, paramInitialMaxData, 42)
	var p Parameters
	if err := p.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.InitialMaxData != 42 {
		t.Errorf("InitialMaxData = %d, want 42", p.InitialMaxData)
	}
}
