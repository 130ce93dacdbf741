package transport

// packetSpace identifies one of the three independent packet number
// spaces a connection tracks, each with its own packet numbers, ACKs and
// loss detection state.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#packet-numbers
type packetSpace int

const (
	packetSpaceInitial packetSpace = iota
	packetSpaceHandshake
	packetSpaceApplication
	packetSpaceCount
)

func (s packetSpace) String() string {
	switch s {
	case packetSpaceInitial:
		return "initial"
	case packetSpaceHandshake:
		return "handshake"
	case packetSpaceApplication:
		return "application"
	}
	return "unknown"
}
