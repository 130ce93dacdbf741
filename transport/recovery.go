package transport

import "time"

// Loss detection and probe timeout, one instance per connection shared
// across all three packet number spaces.
// https://quicwg.org/base-drafts/draft-ietf-quic-recovery.html
//
// This implementation carries RFC 9002's packet- and time-threshold loss
// detection and a single PTO timer, which always adds the peer's
// max_ack_delay whichever space is being probed. It does not carry the
// congestion controller: spec.md's component
// breakdown names loss detection and ACK processing, not a byte-in-flight
// congestion window, so send pacing here is governed only by how much
// stream/crypto data is available to write, not a cwnd. See DESIGN.md.
const (
	packetThreshold  = 3
	timeThresholdNum = 9
	timeThresholdDen = 8
	granularity      = time.Millisecond
	initialRtt       = 333 * time.Millisecond
	maxPtoBackoff    = 6 // cap 2^n growth of the PTO
)

type lossRecovery struct {
	minRtt      time.Duration
	smoothedRtt time.Duration
	rttVar      time.Duration
	latestRtt   time.Duration
	maxAckDelay time.Duration

	ptoCount            int
	probes              int
	lossDetectionTimer  time.Time

	largestAcked                 [packetSpaceCount]int64
	timeOfLastAckElicitingPacket [packetSpaceCount]time.Time
	lossTime                     [packetSpaceCount]time.Time
	ackElicitingInFlight         [packetSpaceCount]int

	sent [packetSpaceCount]map[uint64]*outgoingPacket
	acked [packetSpaceCount][]*outgoingPacket
	lost  [packetSpaceCount][]*outgoingPacket
}

func (r *lossRecovery) init(now time.Time) {
	for i := range r.largestAcked {
		r.largestAcked[i] = -1
		r.sent[i] = make(map[uint64]*outgoingPacket)
	}
}

// dropUnackedData discards all sent/acked/lost bookkeeping for a space,
// called when a packet number space is abandoned (key discard, or a
// client restarting Initial after Retry/version negotiation).
func (r *lossRecovery) dropUnackedData(space packetSpace) {
	r.sent[space] = make(map[uint64]*outgoingPacket)
	r.acked[space] = nil
	r.lost[space] = nil
	r.ackElicitingInFlight[space] = 0
	r.lossTime[space] = time.Time{}
	r.largestAcked[space] = -1
}

func (r *lossRecovery) onPacketSent(op *outgoingPacket, space packetSpace) {
	if r.sent[space] == nil {
		r.sent[space] = make(map[uint64]*outgoingPacket)
	}
	r.sent[space][op.packetNumber] = op
	if op.ackEliciting {
		r.ackElicitingInFlight[space]++
		r.timeOfLastAckElicitingPacket[space] = op.timeSent
	}
	r.setLossDetectionTimer()
}

// onAckReceived processes a newly received ACK frame's range set for one
// space: updates RTT from the newly-acked largest packet, moves acked
// packets out of the in-flight set, and runs loss detection for packets
// that were skipped over.
func (r *lossRecovery) onAckReceived(ranges rangeSet, ackDelay time.Duration, space packetSpace, now time.Time) {
	if ranges.isEmpty() {
		return
	}
	largest, _ := ranges.max()
	if largest > r.largestAcked[space] {
		r.largestAcked[space] = largest
	}
	var ackedPackets []*outgoingPacket
	for pn, op := range r.sent[space] {
		if !ranges.contains(int64(pn)) {
			continue
		}
		ackedPackets = append(ackedPackets, op)
		delete(r.sent[space], pn)
		if op.ackEliciting {
			r.ackElicitingInFlight[space]--
		}
	}
	if len(ackedPackets) == 0 {
		return
	}
	for _, op := range ackedPackets {
		if int64(op.packetNumber) == largest && op.ackEliciting {
			r.latestRtt = now.Sub(op.timeSent)
			r.updateRtt(ackDelay)
		}
	}
	r.acked[space] = append(r.acked[space], ackedPackets...)
	r.detectLostPackets(space, now)
	r.ptoCount = 0
	r.setLossDetectionTimer()
}

func (r *lossRecovery) updateRtt(ackDelay time.Duration) {
	if r.minRtt == 0 {
		r.minRtt = r.latestRtt
	} else if r.latestRtt < r.minRtt {
		r.minRtt = r.latestRtt
	}
	adjusted := r.latestRtt
	if r.maxAckDelay > 0 && ackDelay > r.maxAckDelay {
		ackDelay = r.maxAckDelay
	}
	if adjusted > r.minRtt+ackDelay {
		adjusted -= ackDelay
	}
	if r.smoothedRtt == 0 {
		r.smoothedRtt = r.latestRtt
		r.rttVar = r.latestRtt / 2
		return
	}
	diff := r.smoothedRtt - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.rttVar = (r.rttVar*3 + diff) / 4
	r.smoothedRtt = (r.smoothedRtt*7 + adjusted) / 8
}

// detectLostPackets moves packets below the loss threshold (packet
// number gap or time since sent) from sent into lost for the given
// space, and records when the earliest not-yet-expired candidate should
// be reconsidered.
// https://quicwg.org/base-drafts/draft-ietf-quic-recovery.html#section-6.1
func (r *lossRecovery) detectLostPackets(space packetSpace, now time.Time) {
	lossDelay := r.lossDelay()
	r.lossTime[space] = time.Time{}
	largest := r.largestAcked[space]
	for pn, op := range r.sent[space] {
		if int64(pn) > largest {
			continue
		}
		lostByTime := !op.timeSent.Add(lossDelay).After(now)
		lostByCount := largest-int64(pn) >= packetThreshold
		if lostByTime || lostByCount {
			r.lost[space] = append(r.lost[space], op)
			delete(r.sent[space], pn)
			if op.ackEliciting {
				r.ackElicitingInFlight[space]--
			}
			continue
		}
		deadline := op.timeSent.Add(lossDelay)
		if r.lossTime[space].IsZero() || deadline.Before(r.lossTime[space]) {
			r.lossTime[space] = deadline
		}
	}
}

func (r *lossRecovery) lossDelay() time.Duration {
	rtt := r.smoothedRtt
	if r.latestRtt > rtt {
		rtt = r.latestRtt
	}
	if rtt == 0 {
		rtt = initialRtt
	}
	delay := rtt * timeThresholdNum / timeThresholdDen
	if delay < granularity {
		delay = granularity
	}
	return delay
}

// drainAcked invokes cb for every frame carried by a newly-acknowledged
// packet in space, then clears the drained list.
func (r *lossRecovery) drainAcked(space packetSpace, cb func(frame)) {
	for _, op := range r.acked[space] {
		for _, f := range op.frames {
			cb(f)
		}
	}
	r.acked[space] = nil
}

// drainLost invokes cb for every frame carried by a packet just declared
// lost in space, then clears the drained list.
func (r *lossRecovery) drainLost(space packetSpace, cb func(frame)) {
	for _, op := range r.lost[space] {
		for _, f := range op.frames {
			cb(f)
		}
	}
	r.lost[space] = nil
}

// probeTimeout returns the current PTO duration, backed off by ptoCount.
// https://quicwg.org/base-drafts/draft-ietf-quic-recovery.html#section-6.2.1
func (r *lossRecovery) probeTimeout() time.Duration {
	rtt := r.smoothedRtt
	if rtt == 0 {
		rtt = initialRtt
	}
	rttVar := r.rttVar
	pto := rtt + maxDuration(4*rttVar, granularity) + r.maxAckDelay
	shift := r.ptoCount
	if shift > maxPtoBackoff {
		shift = maxPtoBackoff
	}
	return pto << uint(shift)
}

// onLossDetectionTimeout runs when the loss detection timer fires:
// either it declares packets lost (time threshold) or it arms a probe.
func (r *lossRecovery) onLossDetectionTimeout(now time.Time) {
	if r.lossDetectionTimer.IsZero() || now.Before(r.lossDetectionTimer) {
		return
	}
	earliestSpace := packetSpaceCount
	var earliest time.Time
	for space := packetSpaceInitial; space < packetSpaceCount; space++ {
		if r.lossTime[space].IsZero() {
			continue
		}
		if earliest.IsZero() || r.lossTime[space].Before(earliest) {
			earliest = r.lossTime[space]
			earliestSpace = space
		}
	}
	if earliestSpace != packetSpaceCount {
		r.detectLostPackets(earliestSpace, now)
		r.setLossDetectionTimer()
		return
	}
	r.ptoCount++
	r.probes = 1
	r.setLossDetectionTimer()
}

func (r *lossRecovery) setLossDetectionTimer() {
	var earliestLoss time.Time
	for space := packetSpaceInitial; space < packetSpaceCount; space++ {
		if r.lossTime[space].IsZero() {
			continue
		}
		if earliestLoss.IsZero() || r.lossTime[space].Before(earliestLoss) {
			earliestLoss = r.lossTime[space]
		}
	}
	if !earliestLoss.IsZero() {
		r.lossDetectionTimer = earliestLoss
		return
	}
	total := 0
	var last time.Time
	for space := packetSpaceInitial; space < packetSpaceCount; space++ {
		total += r.ackElicitingInFlight[space]
		if r.timeOfLastAckElicitingPacket[space].After(last) {
			last = r.timeOfLastAckElicitingPacket[space]
		}
	}
	if total == 0 {
		r.lossDetectionTimer = time.Time{}
		return
	}
	r.lossDetectionTimer = last.Add(r.probeTimeout())
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
