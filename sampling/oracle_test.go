package sampling

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/internal/test"
)

type fakeTransport struct {
	echoRequested  []core.SubnetId
	readyRequested []core.SubnetId
}

func (f *fakeTransport) RequestEchoSubscription(peer core.SubnetId)  { f.echoRequested = append(f.echoRequested, peer) }
func (f *fakeTransport) RequestReadySubscription(peer core.SubnetId) { f.readyRequested = append(f.readyRequested, peer) }
func (f *fakeTransport) AcknowledgeEchoSubscription(core.SubnetId)   {}
func (f *fakeTransport) AcknowledgeReadySubscription(core.SubnetId)  {}

func peers(n int) []core.SubnetId {
	out := make([]core.SubnetId, n)
	for i := range out {
		out[i][0] = byte(i + 1)
	}
	return out
}

func TestParamsValidateRejectsThresholdAboveSampleSize(t *testing.T) {
	p := Params{EchoSampleSize: 2, EchoThreshold: 3, ReadySampleSize: 2, ReadyThreshold: 1, DeliverySampleSize: 2, DeliveryThreshold: 1}
	test.AssertError(t, p.Validate(), "threshold above sample size should be rejected")
}

func TestOracleStabilizesAfterAllAcks(t *testing.T) {
	transport := &fakeTransport{}
	oracle, err := NewOracle(Params{EchoSampleSize: 2, EchoThreshold: 1, ReadySampleSize: 2, ReadyThreshold: 1, DeliverySampleSize: 2, DeliveryThreshold: 1}, transport, blog.NewMock(), clock.NewFake(), 0)
	test.AssertNotError(t, err, "NewOracle")

	oracle.OnVisiblePeersChanged(peers(5))
	test.AssertEquals(t, oracle.Status(), BuildingNewView, "oracle should be building a view while handshakes are pending")

	for _, p := range transport.echoRequested {
		oracle.OnEchoSubscribeAck(p)
	}
	for _, p := range transport.readyRequested {
		oracle.OnReadySubscribeAck(p)
	}

	test.AssertEquals(t, oracle.Status(), Stabilized, "oracle should stabilize once every handshake resolves")
	test.AssertTrue(t, oracle.HasActiveSample(), "a stabilized view with peers should report an active sample")
}

func TestOracleDoesNotStabilizeWithNoVisiblePeers(t *testing.T) {
	transport := &fakeTransport{}
	oracle, err := NewOracle(Params{EchoSampleSize: 2, EchoThreshold: 1, ReadySampleSize: 2, ReadyThreshold: 1, DeliverySampleSize: 2, DeliveryThreshold: 1}, transport, blog.NewMock(), clock.NewFake(), 0)
	test.AssertNotError(t, err, "NewOracle")

	oracle.OnVisiblePeersChanged(nil)
	test.AssertEquals(t, oracle.Status(), BuildingNewView, "an empty peer set should never stabilize")
}

func TestOracleSubscriberReceivesPublishedView(t *testing.T) {
	transport := &fakeTransport{}
	oracle, err := NewOracle(Params{EchoSampleSize: 1, EchoThreshold: 1, ReadySampleSize: 1, ReadyThreshold: 1, DeliverySampleSize: 1, DeliveryThreshold: 1}, transport, blog.NewMock(), clock.NewFake(), 0)
	test.AssertNotError(t, err, "NewOracle")

	views := oracle.Subscribe()

	oracle.OnVisiblePeersChanged(peers(3))
	for _, p := range transport.echoRequested {
		oracle.OnEchoSubscribeAck(p)
	}
	for _, p := range transport.readyRequested {
		oracle.OnReadySubscribeAck(p)
	}

	select {
	case v := <-views:
		test.AssertEquals(t, v.Sequence, uint64(1), "published view sequence")
	default:
		t.Fatal("expected a published view on the subscriber channel")
	}
}

func TestOracleEvictsAndReplacesAPeerThatTimesOut(t *testing.T) {
	transport := &fakeTransport{}
	clk := clock.NewFake()
	oracle, err := NewOracle(Params{EchoSampleSize: 1, EchoThreshold: 1, ReadySampleSize: 1, ReadyThreshold: 1, DeliverySampleSize: 1, DeliveryThreshold: 1}, transport, blog.NewMock(), clk, time.Second)
	test.AssertNotError(t, err, "NewOracle")

	// Only 2 visible peers and a sample size of 1 so the replacement drawn
	// after eviction is deterministic: whichever peer wasn't first picked.
	oracle.OnVisiblePeersChanged(peers(2))
	test.AssertEquals(t, len(transport.echoRequested), 1, "expected exactly one initial echo subscribe request")
	test.AssertEquals(t, len(transport.readyRequested), 2, "expected one initial ready subscribe request for each of the ready and delivery samples")

	clk.Add(2 * time.Second)
	oracle.CheckTimeouts()

	test.AssertEquals(t, len(transport.echoRequested), 2, "a timed-out echo peer should be replaced with a fresh request")
	test.AssertEquals(t, len(transport.readyRequested), 4, "timed-out ready and delivery peers should each be replaced with a fresh request")
	if transport.echoRequested[0] == transport.echoRequested[1] {
		t.Fatal("replacement echo peer should differ from the evicted one")
	}

	// The replacements now ack; the oracle should stabilize normally.
	oracle.OnEchoSubscribeAck(transport.echoRequested[1])
	oracle.OnReadySubscribeAck(transport.readyRequested[2])
	oracle.OnReadySubscribeAck(transport.readyRequested[3])
	test.AssertEquals(t, oracle.Status(), Stabilized, "oracle should stabilize once the replacement peer acks")
}

func TestOracleTransportFailureEvictsImmediately(t *testing.T) {
	transport := &fakeTransport{}
	clk := clock.NewFake()
	oracle, err := NewOracle(Params{EchoSampleSize: 1, EchoThreshold: 1, ReadySampleSize: 1, ReadyThreshold: 1, DeliverySampleSize: 1, DeliveryThreshold: 1}, transport, blog.NewMock(), clk, time.Hour)
	test.AssertNotError(t, err, "NewOracle")

	oracle.OnVisiblePeersChanged(peers(2))
	test.AssertEquals(t, len(transport.echoRequested), 1, "expected exactly one initial echo subscribe request")

	failed := transport.echoRequested[0]
	oracle.OnEchoSubscribeFailed(failed)

	test.AssertEquals(t, len(transport.echoRequested), 2, "a failed handshake should draw a replacement without waiting for the timeout")
	if transport.echoRequested[1] == failed {
		t.Fatal("replacement echo peer should differ from the one that failed")
	}
}

func TestViewPeerSourceDrawsFromView(t *testing.T) {
	transport := &fakeTransport{}
	oracle, err := NewOracle(Params{EchoSampleSize: 3, EchoThreshold: 1, ReadySampleSize: 3, ReadyThreshold: 1, DeliverySampleSize: 3, DeliveryThreshold: 1}, transport, blog.NewMock(), clock.NewFake(), 0)
	test.AssertNotError(t, err, "NewOracle")

	oracle.OnVisiblePeersChanged(peers(5))
	for _, p := range transport.echoRequested {
		oracle.OnEchoSubscribeAck(p)
	}
	for _, p := range transport.readyRequested {
		oracle.OnReadySubscribeAck(p)
	}

	source := NewViewPeerSource(oracle)
	result, err := source.RandomPeers(2)
	test.AssertNotError(t, err, "RandomPeers")
	test.AssertEquals(t, len(result), 2, "should return the requested number of peers")
}
