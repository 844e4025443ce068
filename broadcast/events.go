package broadcast

import "github.com/topos-tce/tce-node/core"

// EventKind names the kind of outward event the Engine emits. gossip.Adapter
// and node wiring consume these to actually put bytes on the wire;
// broadcast itself has no transport dependency, mirroring the original's
// TrbpEvents broadcast channel decoupling DoubleEcho from the network.
type EventKind int

const (
	EventGossip EventKind = iota
	EventEcho
	EventReady
	EventDelivered
	EventDie
)

// Event is what the Engine publishes for every protocol action: gossip a
// newly seen certificate, send an Echo/Ready vote to a peer set, report a
// completed delivery, or signal a fatal ill-formed-sample condition.
type Event struct {
	Kind        EventKind
	Peers       []core.SubnetId
	Certificate core.Certificate
	Delivered   core.CertificateDelivered
	// Positions is populated only for EventDelivered; node uses it to
	// notify stream.Server's push subscribers with the same
	// (source, target) positions storage assigned on commit.
	Positions core.CertificatePositions
}

// Emitter receives Engine events. node wires this to gossip.Adapter in
// production and to a recording fake in tests.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }
