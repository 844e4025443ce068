package node

import (
	"github.com/topos-tce/tce-node/broadcast"
	"github.com/topos-tce/tce-node/gossip"
	"github.com/topos-tce/tce-node/stream"
	"github.com/topos-tce/tce-node/sync"
)

// fanoutEmitter is broadcast.Engine's Emitter: every event still goes to
// the gossip Adapter exactly as before, but an EventDelivered also
// reaches the push-stream Server so a locally-completed delivery shows
// up to subscribers the same way a checkpoint-synced one does via
// streamNotifier below. Grounded on stream/server.go's own doc comment
// describing this dual wiring as node's job.
type fanoutEmitter struct {
	adapter *gossip.Adapter
	streams *stream.Server
}

func (f *fanoutEmitter) Emit(e broadcast.Event) {
	f.adapter.Emit(e)
	if e.Kind == broadcast.EventDelivered {
		f.streams.NotifyDelivered(stream.Delivery{Certificate: e.Delivered, Positions: e.Positions})
	}
}

var _ broadcast.Emitter = (*fanoutEmitter)(nil)

// streamNotifier adapts *stream.Server to sync.Notifier. The two
// packages declare identically shaped but distinctly named Delivery
// types (each avoiding an import of the other), so a plain method-set
// match doesn't connect them — this bridge does the one-line
// translation node needs to wire sync.Synchronizer's checkpoint-synced
// deliveries into the same push-stream subscribers.
type streamNotifier struct {
	streams *stream.Server
}

func (n streamNotifier) NotifyDelivered(d sync.Delivery) {
	n.streams.NotifyDelivered(stream.Delivery{Certificate: d.Certificate, Positions: d.Positions})
}

var _ sync.Notifier = streamNotifier{}
