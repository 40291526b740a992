package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/event"
)

// WatchAddrs calls lost each time the host goes from having listen
// addresses to having none, until ctx ends.
func (n *Node) WatchAddrs(ctx context.Context, lost func()) error {
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		had := true
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				ev, ok := e.(event.EvtLocalAddressesUpdated)
				if !ok {
					continue
				}
				has := len(ev.Current) > 0
				if had && !has {
					log.Warnf("host has no addresses left")
					lost()
				}
				had = has
			}
		}
	}()
	return nil
}
