package transport

import (
	"testing"
	"time"
)

func TestLossRecoveryPacketThreshold(t *testing.T) {
	var r lossRecovery
	now := time.Unix(0, 0)
	r.init(now)

	for pn := uint64(0); pn < 5; pn++ {
		op := newOutgoingPacket(pn, now)
		op.ackEliciting = true
		op.inFlight = true
		r.onPacketSent(op, packetSpaceApplication)
	}

	// Acknowledge packet 4 only: packets 0 and 1 fall 3+ behind the
	// largest acked and should be declared lost by packet count, while 2
	// and 3 stay within the threshold.
	var ranges rangeSet
	ranges.add(4, 5)
	r.onAckReceived(ranges, 0, packetSpaceApplication, now)

	if _, ok := r.sent[packetSpaceApplication][0]; ok {
		t.Errorf("packet 0 should have been declared lost by packet threshold")
	}
	if _, ok := r.sent[packetSpaceApplication][1]; ok {
		t.Errorf("packet 1 should have been declared lost by packet threshold")
	}
	if _, ok := r.sent[packetSpaceApplication][2]; !ok {
		t.Errorf("packet 2 should still be in flight")
	}
	if _, ok := r.sent[packetSpaceApplication][3]; !ok {
		t.Errorf("packet 3 should still be in flight")
	}
	if len(r.lost[packetSpaceApplication]) != 2 {
		t.Errorf("len(lost) = %d, want 2", len(r.lost[packetSpaceApplication]))
	}
}

func TestLossRecoveryTimeThreshold(t *testing.T) {
	var r lossRecovery
	now := time.Unix(0, 0)
	r.init(now)
	r.smoothedRtt = 100 * time.Millisecond

	op0 := newOutgoingPacket(0, now)
	op0.ackEliciting = true
	op0.inFlight = true
	r.onPacketSent(op0, packetSpaceApplication)

	op1 := newOutgoingPacket(1, now.Add(200*time.Millisecond))
	op1.ackEliciting = true
	op1.inFlight = true
	r.onPacketSent(op1, packetSpaceApplication)

	// Ack packet 1 well past packet 0's loss delay (9/8 * rtt from when
	// packet 0 was sent); packet 0 was never separately acked and should
	// be timed out rather than left in flight forever.
	var ranges rangeSet
	ranges.add(1, 2)
	later := now.Add(300 * time.Millisecond)
	r.onAckReceived(ranges, 0, packetSpaceApplication, later)

	if _, ok := r.sent[packetSpaceApplication][0]; ok {
		t.Errorf("packet 0 should have been declared lost by time threshold")
	}
}

func TestProbeTimeoutBackoff(t *testing.T) {
	var r lossRecovery
	r.init(time.Unix(0, 0))
	r.smoothedRtt = 100 * time.Millisecond
	r.rttVar = 10 * time.Millisecond

	base := r.probeTimeout()
	r.ptoCount = 1
	doubled := r.probeTimeout()
	if doubled != 2*base {
		t.Errorf("probeTimeout after one backoff = %v, want %v", doubled, 2*base)
	}

	r.ptoCount = maxPtoBackoff + 5
	capped := r.probeTimeout()
	wantCap := base << uint(maxPtoBackoff)
	if capped != wantCap {
		t.Errorf("probeTimeout at backoff cap = %v, want %v", capped, wantCap)
	}
}

func TestOnAckReceivedUpdatesRtt(t *testing.T) {
	var r lossRecovery
	now := time.Unix(0, 0)
	r.init(now)
	r.maxAckDelay = 25 * time.Millisecond

	op := newOutgoingPacket(0, now)
	op.ackEliciting = true
	op.inFlight = true
	r.onPacketSent(op, packetSpaceApplication)

	var ranges rangeSet
	ranges.add(0, 1)
	r.onAckReceived(ranges, 5*time.Millisecond, packetSpaceApplication, now.Add(50*time.Millisecond))

	if r.latestRtt != 50*time.Millisecond {
		t.Errorf("latestRtt = %v, want 50ms", r.latestRtt)
	}
	if r.smoothedRtt == 0 {
		t.Errorf("smoothedRtt was not set")
	}
	if r.minRtt != 50*time.Millisecond {
		t.Errorf("minRtt = %v, want 50ms", r.minRtt)
	}
}
