package meshlink

import (
	"context"
	"log"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	ma "github.com/multiformats/go-multiaddr"
)

// viaCircuit reports whether addr routes through a circuit relay
// (/p2p-circuit).
func viaCircuit(addr ma.Multiaddr) bool {
	_, err := addr.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}

// circuitReserved reports whether the host currently holds any
// circuit-relay address, i.e. a relay reservation is active.
func (n *Node) circuitReserved() bool {
	for _, addr := range n.host.Addrs() {
		if viaCircuit(addr) {
			return true
		}
	}
	return false
}

// watchRelayConnection is the reconnection-on-drop idiom carried over from
// the autorelay reservation-refresh loop: when the circuit reservation is
// lost, it clears the swarm's dial backoff for the relay peer and
// reconnects, since autorelay's own failure path does not always retry.
func (n *Node) watchRelayConnection(ctx context.Context) {
	if n.relayPeer == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	hadCircuit := n.circuitReserved()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			has := n.circuitReserved()
			if has == hadCircuit {
				continue
			}
			hadCircuit = has
			if has {
				log.Printf("meshlink: relay reservation restored")
				continue
			}
			log.Printf("meshlink: relay reservation lost, reconnecting to %s", n.relayPeer.ID)
			n.reconnectRelay(ctx)
		}
	}
}

func (n *Node) reconnectRelay(ctx context.Context) {
	conns := n.host.Network().ConnsToPeer(n.relayPeer.ID)
	for _, c := range conns {
		_ = c.Close()
	}
	if sw, ok := n.host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(n.relayPeer.ID)
	}
	n.host.Peerstore().AddAddrs(n.relayPeer.ID, n.relayPeer.Addrs, 10*time.Minute)

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := n.host.Connect(connCtx, *n.relayPeer); err != nil {
		log.Printf("meshlink: relay reconnect failed: %v", err)
	}
}

// decodeRelayAddrInfo parses a peer id and its relay multiaddrs into the
// AddrInfo form the autorelay static-relay option consumes.
func decodeRelayAddrInfo(peerID string, addrStrs []string) (*peer.AddrInfo, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, err
	}
	var addrs []ma.Multiaddr
	for _, s := range addrStrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	return &peer.AddrInfo{ID: pid, Addrs: addrs}, nil
}
