package stream

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/internal/test"
	"github.com/topos-tce/tce-node/storage"
)

func subnet(b byte) core.SubnetId {
	var s core.SubnetId
	s[0] = b
	return s
}

func certID(b byte) core.CertificateId {
	var c core.CertificateId
	c[0] = b
	return c
}

func newTestStore() *storage.MemoryStore {
	return storage.NewMemoryStore(clock.NewFake(), blog.NewMock(), storage.NewMetrics(prometheus.NewRegistry()))
}

// deliver commits a certificate with a single target at the next free
// position of source's stream and returns the positions it was assigned,
// for use as Server.NotifyDelivered input.
func deliver(t *testing.T, store *storage.MemoryStore, source, target core.SubnetId, id core.CertificateId) core.CertificatePositions {
	t.Helper()
	sourcePosition := core.ZeroPosition
	head, err := store.LastDeliveredPositionForSubnet(context.Background(), source)
	test.AssertNotError(t, err, "LastDeliveredPositionForSubnet")
	if head != nil {
		sourcePosition = head.Position.Increment()
	}
	delivered := core.CertificateDelivered{
		Certificate: core.Certificate{
			ID:             id,
			SourceSubnetID: source,
			TargetSubnets:  []core.SubnetId{target},
		},
		ProofOfDelivery: core.ProofOfDelivery{
			CertificateID:    id,
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: sourcePosition},
			Threshold:        1,
		},
	}
	positions, err := store.InsertCertificateDelivered(context.Background(), delivered)
	test.AssertNotError(t, err, "InsertCertificateDelivered")
	return *positions
}

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for an event")
		}
	}
}

func TestOpenStreamReplaysAlreadyStoredCertificates(t *testing.T) {
	store := newTestStore()
	source, target := subnet(1), subnet(2)
	deliver(t, store, source, target, certID(1))

	srv := NewServer(store, blog.NewMock(), nil, 0)
	sub := srv.OpenStream(context.Background(), OpenStream{
		TargetCheckpoint: TargetCheckpoint{
			TargetSubnetIDs: []core.SubnetId{target},
			// BeforeGenesisPosition: a brand new client that has never
			// seen this (target, source) stream, so it gets a full
			// replay starting at position 0.
			Positions: []core.TargetStreamPositionKey{{Target: target, Source: source, Position: core.BeforeGenesisPosition}},
		},
	})
	srv.Close(sub)

	events := drain(t, sub)
	test.AssertEquals(t, len(events), 2, "opened + one replayed certificate")
	if events[0].Opened == nil {
		t.Fatal("expected the first event to be StreamOpened")
	}
	if events[1].Pushed == nil || events[1].Pushed.Certificate.Certificate.ID != certID(1) {
		t.Fatal("expected certificate 1 to be replayed from genesis")
	}
}

func TestOpenStreamReplaysFromRequestedPositionOnward(t *testing.T) {
	store := newTestStore()
	source, target := subnet(1), subnet(2)
	deliver(t, store, source, target, certID(1))
	deliver(t, store, source, target, certID(2))

	srv := NewServer(store, blog.NewMock(), nil, 0)
	sub := srv.OpenStream(context.Background(), OpenStream{
		TargetCheckpoint: TargetCheckpoint{
			TargetSubnetIDs: []core.SubnetId{target},
			// The client already has position 0; it should only be
			// replayed certificate 2.
			Positions: []core.TargetStreamPositionKey{{Target: target, Source: source, Position: 0}},
		},
	})
	srv.Close(sub)

	events := drain(t, sub)
	test.AssertEquals(t, len(events), 2, "opened + one replayed certificate")
	if events[1].Pushed == nil || events[1].Pushed.Certificate.Certificate.ID != certID(2) {
		t.Fatal("expected only certificate 2 to be replayed")
	}
}

func TestNotifyDeliveredPushesToMatchingSubscriberOnly(t *testing.T) {
	store := newTestStore()
	source, target, other := subnet(1), subnet(2), subnet(3)

	srv := NewServer(store, blog.NewMock(), NewMetrics(prometheus.NewRegistry()), 0)
	matching := srv.OpenStream(context.Background(), OpenStream{
		TargetCheckpoint: TargetCheckpoint{TargetSubnetIDs: []core.SubnetId{target}},
	})
	unrelated := srv.OpenStream(context.Background(), OpenStream{
		TargetCheckpoint: TargetCheckpoint{TargetSubnetIDs: []core.SubnetId{other}},
	})
	// drain the StreamOpened events synchronously so the assertions
	// below only see what NotifyDelivered pushes.
	<-matching.Events()
	<-unrelated.Events()

	positions := deliver(t, store, source, target, certID(1))
	srv.NotifyDelivered(Delivery{
		Certificate: core.CertificateDelivered{Certificate: core.Certificate{ID: certID(1), SourceSubnetID: source, TargetSubnets: []core.SubnetId{target}}},
		Positions:   positions,
	})

	select {
	case ev := <-matching.Events():
		if ev.Pushed == nil || ev.Pushed.Certificate.Certificate.ID != certID(1) {
			t.Fatal("expected the matching subscriber to receive the pushed certificate")
		}
	case <-time.After(time.Second):
		t.Fatal("matching subscriber never received the delivery")
	}

	select {
	case ev, ok := <-unrelated.Events():
		if ok {
			t.Fatalf("unrelated subscriber should not have received anything, got %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}

	srv.Close(matching)
	srv.Close(unrelated)
}

func TestOverflowClosesTheStreamWithAnError(t *testing.T) {
	store := newTestStore()
	source, target := subnet(1), subnet(2)

	srv := NewServer(store, blog.NewMock(), NewMetrics(prometheus.NewRegistry()), 1)
	sub := srv.OpenStream(context.Background(), OpenStream{
		TargetCheckpoint: TargetCheckpoint{TargetSubnetIDs: []core.SubnetId{target}},
	})
	// The StreamOpened event already occupies the one-slot queue.
	positions := deliver(t, store, source, target, certID(1))
	srv.NotifyDelivered(Delivery{
		Certificate: core.CertificateDelivered{Certificate: core.Certificate{ID: certID(1), SourceSubnetID: source, TargetSubnets: []core.SubnetId{target}}},
		Positions:   positions,
	})

	events := drain(t, sub)
	test.AssertEquals(t, len(events), 1, "only the buffered StreamOpened event survives")
	test.AssertError(t, sub.Err(), "expected the subscription to be closed with an overflow error")
}
