// Package sampling implements C2, the Quorum Sampling Oracle: the set of
// five peer subscriptions a node maintains for Double-Echo broadcast
// (EchoSubscription, ReadySubscription, DeliverySubscription,
// EchoSubscriber, ReadySubscriber), rebuilt whenever the visible peer set
// changes and published as a single stable View once every pending
// subscription handshake has resolved. Grounded on
// reliable_broadcast/src/sampler/aggregator.rs's PeerSamplingOracle:
// pending-subs bookkeeping, create_new_sample_view, state_change_follow_up.
package sampling

import "github.com/topos-tce/tce-node/core"

// SetKind names one of the five peer subscription sets a node maintains.
type SetKind int

const (
	// EchoSubscription holds the peers this node asked to receive Echo
	// messages from (the original's EchoInbound).
	EchoSubscription SetKind = iota
	// ReadySubscription holds the peers this node asked to receive Ready
	// messages from (ReadyInbound).
	ReadySubscription
	// DeliverySubscription holds the peers this node asked to receive
	// Ready messages from for delivery purposes (DeliveryInbound) —
	// sampled independently from ReadySubscription even though both are
	// populated by Ready-subscribe handshakes, per spec.md §3.
	DeliverySubscription
	// EchoSubscriber holds the peers that asked this node to be their
	// Echo source (EchoOutbound).
	EchoSubscriber
	// ReadySubscriber holds the peers that asked this node to be their
	// Ready source (ReadyOutbound).
	ReadySubscriber
)

func (k SetKind) String() string {
	switch k {
	case EchoSubscription:
		return "EchoSubscription"
	case ReadySubscription:
		return "ReadySubscription"
	case DeliverySubscription:
		return "DeliverySubscription"
	case EchoSubscriber:
		return "EchoSubscriber"
	case ReadySubscriber:
		return "ReadySubscriber"
	default:
		return "Unknown"
	}
}

var allSetKinds = []SetKind{EchoSubscription, ReadySubscription, DeliverySubscription, EchoSubscriber, ReadySubscriber}

// View is a stable, immutable snapshot of the Oracle's five peer sets.
// Sequence increments every time a new view is published, letting
// consumers detect (and reject, via berrors.StaleView) a view that has
// since been superseded.
type View struct {
	Sequence uint64
	Sets     map[SetKind]map[core.SubnetId]struct{}
}

func emptyView(sequence uint64) View {
	sets := make(map[SetKind]map[core.SubnetId]struct{}, len(allSetKinds))
	for _, k := range allSetKinds {
		sets[k] = make(map[core.SubnetId]struct{})
	}
	return View{Sequence: sequence, Sets: sets}
}

// Members returns the peers in set kind k as a slice, for callers that
// need to iterate or sample (kind absent from the view yields nil).
func (v View) Members(k SetKind) []core.SubnetId {
	set, ok := v.Sets[k]
	if !ok {
		return nil
	}
	out := make([]core.SubnetId, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// Contains reports whether peer belongs to set kind k in this view.
func (v View) Contains(k SetKind, peer core.SubnetId) bool {
	set, ok := v.Sets[k]
	if !ok {
		return false
	}
	_, found := set[peer]
	return found
}

func (v View) clone() View {
	out := emptyView(v.Sequence)
	for k, set := range v.Sets {
		for p := range set {
			out.Sets[k][p] = struct{}{}
		}
	}
	return out
}

// Status mirrors the original's SampleProviderStatus: Stabilized means
// the current View is consistent with the last OnVisiblePeersChanged
// call; BuildingNewView means subscription handshakes are still in
// flight and the published View is stale.
type Status int

const (
	Stabilized Status = iota
	BuildingNewView
)

// Params are the sample sizes and delivery thresholds in force, taken
// from spec.md §6's Configuration Parameters table.
type Params struct {
	EchoSampleSize      int
	ReadySampleSize     int
	DeliverySampleSize  int
	EchoThreshold       int
	ReadyThreshold      int
	DeliveryThreshold   int
}

// Validate checks the invariant that every threshold must not exceed its
// corresponding sample size (an unreachable threshold would make
// delivery impossible even with perfect peer cooperation).
func (p Params) Validate() error {
	if p.EchoThreshold > p.EchoSampleSize {
		return thresholdError("echo", p.EchoThreshold, p.EchoSampleSize)
	}
	if p.ReadyThreshold > p.ReadySampleSize {
		return thresholdError("ready", p.ReadyThreshold, p.ReadySampleSize)
	}
	if p.DeliveryThreshold > p.DeliverySampleSize {
		return thresholdError("delivery", p.DeliveryThreshold, p.DeliverySampleSize)
	}
	return nil
}

type paramError struct {
	msg string
}

func (e *paramError) Error() string { return e.msg }

func thresholdError(name string, threshold, sampleSize int) error {
	return &paramError{msg: name + " threshold exceeds sample size"}
}
