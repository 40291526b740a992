package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// ErrReleased is returned by Topic methods after Release.
var ErrReleased = errors.New("p2p: topic released")

// joinedTopic is one gossipsub topic shared by every local Topic handle.
// pubsub refuses a second Join of the same name, so joins are refcounted.
type joinedTopic struct {
	t    *pubsub.Topic
	refs int
}

// Topic is one subscription to a gossipsub topic.
type Topic struct {
	n    *Node
	name string
	t    *pubsub.Topic
	sub  *pubsub.Subscription

	once sync.Once
	done chan struct{}
}

// Join subscribes to name, joining the gossipsub topic on first use.
func (n *Node) Join(name string) (*Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	jt, ok := n.topics[name]
	if !ok {
		t, err := n.ps.Join(name)
		if err != nil {
			return nil, fmt.Errorf("join topic %s: %w", name, err)
		}
		jt = &joinedTopic{t: t}
		n.topics[name] = jt
	}

	sub, err := jt.t.Subscribe()
	if err != nil {
		if jt.refs == 0 && jt.t.Close() == nil {
			delete(n.topics, name)
		}
		return nil, fmt.Errorf("subscribe topic %s: %w", name, err)
	}
	jt.refs++
	log.Debugf("topic %s joined (refs=%d)", name, jt.refs)

	return &Topic{n: n, name: name, t: jt.t, sub: sub, done: make(chan struct{})}, nil
}

func (t *Topic) Name() string { return t.name }

func (t *Topic) Publish(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return ErrReleased
	default:
	}
	return t.t.Publish(ctx, data)
}

// Next blocks for the next message on the topic, including this host's own
// publications. from is the peer ID of the original publisher.
func (t *Topic) Next(ctx context.Context) (from string, data []byte, err error) {
	m, err := t.sub.Next(ctx)
	if err != nil {
		select {
		case <-t.done:
			return "", nil, ErrReleased
		default:
		}
		return "", nil, err
	}
	return m.GetFrom().String(), m.Data, nil
}

// Release cancels the subscription and leaves the gossipsub topic once no
// other local handle uses it. Safe to call more than once.
func (t *Topic) Release() error {
	t.once.Do(func() {
		close(t.done)
		t.sub.Cancel()

		n := t.n
		n.topicsMu.Lock()
		defer n.topicsMu.Unlock()
		jt, ok := n.topics[t.name]
		if !ok {
			return
		}
		jt.refs--
		log.Debugf("topic %s released (refs=%d)", t.name, jt.refs)
		if jt.refs > 0 {
			return
		}
		// Cancel is asynchronous inside pubsub, so Close can still see the
		// subscription. The handle then stays cached for the next Join.
		if cerr := jt.t.Close(); cerr != nil {
			log.Debugf("topic %s close deferred: %v", t.name, cerr)
			return
		}
		delete(n.topics, t.name)
	})
	return nil
}
