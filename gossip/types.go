// Package gossip implements C4, the Gossip/Transport Adapter: the only
// component in this repository that puts bytes on the wire for
// certificate broadcast and peer sampling. It drains per-topic queues on
// a fixed tick into batches, applies strict publish/receive validation,
// and bridges the wire to sampling.Transport and broadcast.Emitter so
// neither of those packages needs to know how a byte reaches a peer.
// Grounded on topos-p2p's two-topic (gossip/echo-ready) separation and,
// for the HTTP transport shape, AKJUS-boulder's web package.
package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/topos-tce/tce-node/core"
)

// Topic names the three pub/sub topics from spec.md §4.4. TopicEcho and
// TopicReady share one wire topic in the original but are kept distinct
// here since Echo and Ready votes have different payloads.
type Topic string

const (
	TopicGossip Topic = "topos_gossip"
	TopicEcho   Topic = "topos_echo"
	TopicReady  Topic = "topos_ready"
)

// MaxMessageBytes is the transmit size ceiling per message from spec.md
// §4.4.
const MaxMessageBytes = 2 * 1024 * 1024

// DefaultTickIntervalMillis and DefaultBatchSize are the adapter's default
// drain cadence and per-topic-per-tick message cap, both from spec.md
// §4.4 and overridable via config.Config.
const (
	DefaultTickIntervalMillis = 100
	DefaultBatchSize          = 10
)

// MessageKind discriminates the payloads carried over TopicGossip,
// TopicEcho and TopicReady, plus the subscribe-handshake messages the
// Sampling Oracle's Transport interface needs.
type MessageKind string

const (
	KindCertificate         MessageKind = "certificate"
	KindEcho                MessageKind = "echo"
	KindReady               MessageKind = "ready"
	KindEchoSubscribeReq    MessageKind = "echo_subscribe_request"
	KindEchoSubscribeAck    MessageKind = "echo_subscribe_ack"
	KindReadySubscribeReq   MessageKind = "ready_subscribe_request"
	KindReadySubscribeAck   MessageKind = "ready_subscribe_ack"
)

// Message is the single wire envelope for everything this adapter sends
// or receives. JSON is used for encoding, per SPEC_FULL.md's decision to
// implement the RPC/wire surface as plain Go types over net/http+JSON
// rather than generated protobuf descriptors.
type Message struct {
	Kind          MessageKind        `json:"kind"`
	From          core.SubnetId      `json:"from"`
	Certificate   *core.Certificate  `json:"certificate,omitempty"`
	CertificateID core.CertificateId `json:"certificate_id,omitempty"`
	Ready         *core.SignedReady  `json:"ready,omitempty"`
}

// Encode serializes a Message, rejecting anything over MaxMessageBytes.
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("gossip: encoding message: %w", err)
	}
	if len(raw) > MaxMessageBytes {
		return nil, fmt.Errorf("gossip: message of %d bytes exceeds the %d byte ceiling", len(raw), MaxMessageBytes)
	}
	return raw, nil
}

// DecodeMessage parses a single wire message.
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("gossip: decoding message: %w", err)
	}
	return m, nil
}

// Batch is the unit actually transmitted: up to batch_size messages
// drained from one topic's queue on one tick, serialized together so a
// single tick's messages are never reordered relative to each other.
type Batch struct {
	Topic    Topic    `json:"topic"`
	Messages [][]byte `json:"messages"`
}
