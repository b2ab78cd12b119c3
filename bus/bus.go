package bus

import (
	"context"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dhenz14/hivepoa/blockstore"
	"github.com/dhenz14/hivepoa/crypto"
)

// seqnoTTL is how long a seen seqno blocks a duplicate delivery; the spec's
// dedup window.
const seqnoTTL = 60 * time.Second

// reconnectDelay is how long Subscribe waits before re-opening a dropped
// stream.
const reconnectDelay = 5 * time.Second

// Publisher is the subset of the block-store client the bus needs to
// publish; blockstore.Client satisfies it.
type Publisher interface {
	PubSubPublish(ctx context.Context, topic string, data []byte) error
}

// Subscriber is the subset of the block-store client the bus needs to
// subscribe; blockstore.Client satisfies it.
type Subscriber interface {
	PubSubSubscribe(ctx context.Context, topic string, onMessage func(msg blockstore.PubSubMessage)) error
}

// Message is a decoded, deduplicated, identity-checked inbound message
// ready for the responder or validator to act on.
type Message struct {
	Body           []byte
	Signed         bool
	SignerUsername string
}

// KeyResolver looks up a ledger account's posting public key, used to
// verify a signed envelope's claimed signer.
type KeyResolver func(ctx context.Context, username string) (crypto.PublicKey, error)

// Bus subscribes to and publishes on a single global topic.
type Bus struct {
	topic      string
	localPeer  string
	sub        Subscriber
	pub        Publisher
	resolver   KeyResolver
	seenSeqnos *lru.LRU[string, struct{}]
}

// New constructs a Bus for topic. localPeer is used to drop self-loopback
// deliveries (the daemon sometimes echoes a publisher's own messages back).
func New(topic, localPeer string, sub Subscriber, pub Publisher, resolver KeyResolver) *Bus {
	return &Bus{
		topic:      topic,
		localPeer:  localPeer,
		sub:        sub,
		pub:        pub,
		resolver:   resolver,
		seenSeqnos: lru.NewLRU[string, struct{}](8192, nil, seqnoTTL),
	}
}

// Subscribe runs until ctx is cancelled, reconnecting with a 5 s backoff
// whenever the underlying stream ends. onMessage is invoked once per
// deduplicated, decoded inbound message.
func (b *Bus) Subscribe(ctx context.Context, onMessage func(Message)) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := b.sub.PubSubSubscribe(ctx, b.topic, func(raw blockstore.PubSubMessage) {
			b.handleRaw(raw, onMessage)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[bus] subscribe stream ended: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *Bus) handleRaw(raw blockstore.PubSubMessage, onMessage func(Message)) {
	if raw.From == b.localPeer {
		return
	}
	if raw.Seqno != "" {
		if _, dup := b.seenSeqnos.Get(raw.Seqno); dup {
			return
		}
		b.seenSeqnos.Add(raw.Seqno, struct{}{})
	}

	data, err := decodeBase64(raw.Data)
	if err != nil {
		log.Printf("[bus] malformed base64 payload from %s: %v", raw.From, err)
		return
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		log.Printf("[bus] malformed envelope from %s: %v", raw.From, err)
		return
	}
	onMessage(Message{Body: env.Body, Signed: env.Signed, SignerUsername: env.SignerUsername})
}

// VerifyIdentity checks that a decoded signed message actually came from
// the account it claims to, by resolving that account's posting public key
// from the ledger.
func (b *Bus) VerifyIdentity(ctx context.Context, raw []byte, msg Message) (bool, error) {
	if !msg.Signed {
		return false, nil
	}
	pub, err := b.resolver(ctx, msg.SignerUsername)
	if err != nil {
		return false, err
	}
	fullEnv, err := decodeEnvelope(raw)
	if err != nil {
		return false, err
	}
	return verifySignature(fullEnv, pub), nil
}

// Publish serializes msg and publishes it on the topic, signed with priv
// under signerUsername if priv is non-nil.
func (b *Bus) Publish(ctx context.Context, msg interface{}, signerUsername string, priv crypto.PrivateKey) error {
	data, err := encodeSigned(msg, signerUsername, priv)
	if err != nil {
		return err
	}
	return b.pub.PubSubPublish(ctx, b.topic, data)
}
