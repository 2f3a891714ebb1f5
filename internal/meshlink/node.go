// Package meshlink is the libp2p-backed reference implementation of
// adapters.LinkLayer: host bring-up with a persistent identity key,
// LAN peer discovery via mDNS, a gossipsub topic carrying the node
// advertisement record, and a length-prefixed request/ack stream
// protocol carrying packet frames.
package meshlink

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
)

func init() {
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

const (
	frameProtoID = protocol.ID("/rescuenet/frame/1.0.0")
	maxFrameSize = 1 << 20

	ackByte byte = 0x06
	nakByte byte = 0x15

	frameDeadline = 10 * time.Second
)

// Config carries the host-level settings a deployment picks once at
// startup; it has no bearing on the RescueNet domain logic itself.
type Config struct {
	ListenPort    int
	KeyFile       string
	MdnsTag       string
	PresenceTopic string

	// RelayPeerID/RelayAddrs optionally name a known circuit-relay peer.
	// General NAT traversal is out of scope; wiring a configured relay
	// when one is known is not.
	RelayPeerID string
	RelayAddrs  []string
}

// Node is the libp2p-backed LinkLayer. All mutable state (the neighbor
// table) is guarded by mu; the public methods are safe to call from the
// engine's single-goroutine model or concurrently from tests.
type Node struct {
	cfg Config

	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mdnsSvc   mdns.Service
	relayPeer *peer.AddrInfo
	selfID    string

	mu        sync.Mutex
	neighbors map[string]adapters.NodeInfo

	neighborsCh chan []adapters.NodeInfo
	frameCh     chan adapters.ReceivedFrame

	discoveryCancel context.CancelFunc
	discoveryWG     sync.WaitGroup
}

// NewNode allocates a Node; no network resources are acquired until
// Initialize runs, matching the LinkLayer interface's lifecycle.
func NewNode(cfg Config) *Node {
	if cfg.MdnsTag == "" {
		cfg.MdnsTag = "rescuenet-mdns"
	}
	if cfg.PresenceTopic == "" {
		cfg.PresenceTopic = "rescuenet.presence.v1"
	}
	return &Node{
		cfg:         cfg,
		neighbors:   make(map[string]adapters.NodeInfo),
		neighborsCh: make(chan []adapters.NodeInfo, 4),
		frameCh:     make(chan adapters.ReceivedFrame, 32),
	}
}

type mdnsNotifee struct {
	h host.Host
}

func (nn *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = nn.h.Connect(ctx, pi)
}

// Initialize loads (or creates) the identity key, brings up the libp2p
// host, installs the frame stream handler, and joins the presence topic.
func (n *Node) Initialize(ctx context.Context) error {
	if n.host != nil {
		return nil
	}
	priv, isNew, err := loadOrCreateKey(n.cfg.KeyFile)
	if err != nil {
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}
	if isNew {
		log.Printf("meshlink: generated new identity key: %s", n.cfg.KeyFile)
	} else {
		log.Printf("meshlink: loaded identity key: %s", n.cfg.KeyFile)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", n.cfg.ListenPort)),
	}

	if n.cfg.RelayPeerID != "" {
		ri, err := decodeRelayAddrInfo(n.cfg.RelayPeerID, n.cfg.RelayAddrs)
		if err != nil {
			log.Printf("meshlink: invalid relay config, skipping: %v", err)
		} else {
			n.relayPeer = ri
			opts = append(opts,
				libp2p.EnableRelay(),
				libp2p.EnableHolePunching(),
				libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
					autorelay.WithBootDelay(0),
					autorelay.WithBackoff(30*time.Second),
				),
			)
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}

	h.SetStreamHandler(frameProtoID, n.handleFrameStream)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}
	topic, err := ps.Join(n.cfg.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}

	n.host = h
	n.ps = ps
	n.topic = topic
	n.sub = sub
	n.selfID = h.ID().String()
	return nil
}

// handleFrameStream services an inbound frame: read the length-prefixed
// JSON packet, hand it to the received-frames stream, and reply with a
// single-byte ack/nak.
func (n *Node) handleFrameStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(frameDeadline))

	data, err := readFrame(s)
	if err != nil {
		_, _ = s.Write([]byte{nakByte})
		return
	}

	frame := adapters.ReceivedFrame{SenderAddress: s.Conn().RemotePeer().String(), Bytes: data}
	select {
	case n.frameCh <- frame:
		_, _ = s.Write([]byte{ackByte})
	default:
		log.Printf("meshlink: received-frames channel full, nak to %s", frame.SenderAddress)
		_, _ = s.Write([]byte{nakByte})
	}
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("meshlink: frame length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ConnectAndSend dials address (a libp2p peer id string) and delivers one
// length-prefixed frame, blocking for the single-byte ack/nak.
func (n *Node) ConnectAndSend(ctx context.Context, address string, data []byte) error {
	pid, err := peer.Decode(address)
	if err != nil {
		return &adapters.LinkError{Kind: adapters.LinkUnknown, Err: err}
	}

	connectCtx, cancel := context.WithTimeout(ctx, frameDeadline)
	defer cancel()
	if err := n.host.Connect(connectCtx, peer.AddrInfo{ID: pid}); err != nil {
		return &adapters.LinkError{Kind: adapters.LinkConnectionRefused, Err: err}
	}

	streamCtx, cancel2 := context.WithTimeout(ctx, frameDeadline)
	defer cancel2()
	stream, err := n.host.NewStream(streamCtx, pid, frameProtoID)
	if err != nil {
		return &adapters.LinkError{Kind: adapters.LinkTimeout, Err: err}
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(frameDeadline))

	if err := writeFrame(stream, data); err != nil {
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(stream, ack); err != nil {
		return &adapters.LinkError{Kind: adapters.LinkTimeout, Err: err}
	}
	if ack[0] != ackByte {
		return &adapters.LinkError{Kind: adapters.LinkInvalidAck, Err: fmt.Errorf("peer replied 0x%x", ack[0])}
	}
	return nil
}

// presenceFrame is the gossipsub payload carrying the advertisement
// record plus the reachable addresses a peer needs to dial this node.
type presenceFrame struct {
	PeerID      string            `json:"peer_id"`
	Metadata    map[string]string `json:"metadata"`
	Addrs       []string          `json:"addrs"`
	TimestampMs int64             `json:"timestamp_ms"`
}

// Advertise publishes the current metadata record on the presence topic.
func (n *Node) Advertise(ctx context.Context, metadata map[string]string) error {
	if n.topic == nil {
		return &adapters.LinkError{Kind: adapters.LinkUnknown, Err: fmt.Errorf("meshlink: not initialized")}
	}
	frame := presenceFrame{
		PeerID:      n.selfID,
		Metadata:    metadata,
		Addrs:       n.advertisableAddrs(),
		TimestampMs: time.Now().UnixMilli(),
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return &adapters.LinkError{Kind: adapters.LinkUnknown, Err: err}
	}
	if err := n.topic.Publish(ctx, b); err != nil {
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}
	return nil
}

// advertisableAddrs narrows the host's listen addresses to ones a remote
// peer could plausibly dial: a circuit-relay address (the node's only
// public path when it sits behind an unfriendly NAT) or one carrying a
// routable unicast IP. Loopback and link-local listeners never make it
// into the advertisement.
func (n *Node) advertisableAddrs() []string {
	var out []string
	for _, addr := range n.host.Addrs() {
		if viaCircuit(addr) || routableIP(addr) {
			out = append(out, addr.String())
		}
	}
	return out
}

// routableIP reports whether addr carries an IP a peer off this machine
// could reach.
func routableIP(addr ma.Multiaddr) bool {
	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}

// StartDiscovery starts the mDNS service and the presence-subscribe loop
// that builds the neighbor table from advertisement records.
func (n *Node) StartDiscovery(ctx context.Context) error {
	svc := mdns.NewMdnsService(n.host, n.cfg.MdnsTag, &mdnsNotifee{h: n.host})
	if err := svc.Start(); err != nil {
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}
	n.mdnsSvc = svc

	discCtx, cancel := context.WithCancel(ctx)
	n.discoveryCancel = cancel

	n.discoveryWG.Add(1)
	go n.presenceLoop(discCtx)

	if n.relayPeer != nil {
		n.discoveryWG.Add(1)
		go func() {
			defer n.discoveryWG.Done()
			n.watchRelayConnection(discCtx)
		}()
	}
	return nil
}

func (n *Node) presenceLoop(ctx context.Context) {
	defer n.discoveryWG.Done()
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		var pf presenceFrame
		if err := json.Unmarshal(msg.Data, &pf); err != nil {
			continue
		}
		if pf.PeerID == "" || pf.PeerID == n.selfID {
			continue
		}
		n.upsertNeighbor(pf)
		n.addPeerAddrs(pf.PeerID, pf.Addrs)
	}
}

// decodeNodeInfo reverses roles.Controller.Metadata's short-code
// projection back into a NodeInfo snapshot.
func decodeNodeInfo(pf presenceFrame) adapters.NodeInfo {
	m := pf.Metadata
	battery, _ := strconv.Atoi(m["bat"])
	lat, _ := strconv.ParseFloat(m["lat"], 64)
	lng, _ := strconv.ParseFloat(m["lng"], 64)
	sig, _ := strconv.Atoi(m["sig"])

	var role adapters.Role
	switch m["rol"] {
	case "g":
		role = adapters.RoleGoal
	case "s":
		role = adapters.RoleSender
	case "r":
		role = adapters.RoleRelay
	default:
		role = adapters.RoleIdle
	}

	var triage packet.TriageLevel
	switch m["tri"] {
	case "g":
		triage = packet.TriageGreen
	case "y":
		triage = packet.TriageYellow
	case "r":
		triage = packet.TriageRed
	default:
		triage = packet.TriageNone
	}

	return adapters.NodeInfo{
		ID:                  pf.PeerID,
		DeviceAddress:       pf.PeerID,
		BatteryLevel:        battery,
		HasInternet:         m["net"] == "1",
		Latitude:            lat,
		Longitude:           lng,
		LastSeenMs:          pf.TimestampMs,
		SignalStrengthDbm:   int32(sig),
		TriageLevel:         triage,
		Role:                role,
		IsAvailableForRelay: m["rel"] == "1",
	}
}

// upsertNeighbor decodes an advertisement record into a NodeInfo
// snapshot and publishes the updated neighbor set.
func (n *Node) upsertNeighbor(pf presenceFrame) {
	info := decodeNodeInfo(pf)
	n.mu.Lock()
	n.neighbors[pf.PeerID] = info
	snapshot := n.snapshotLocked()
	n.mu.Unlock()
	n.publishNeighbors(snapshot)
}

func (n *Node) snapshotLocked() []adapters.NodeInfo {
	out := make([]adapters.NodeInfo, 0, len(n.neighbors))
	for _, v := range n.neighbors {
		out = append(out, v)
	}
	return out
}

func (n *Node) publishNeighbors(snapshot []adapters.NodeInfo) {
	select {
	case n.neighborsCh <- snapshot:
	default:
		select {
		case <-n.neighborsCh:
		default:
		}
		select {
		case n.neighborsCh <- snapshot:
		default:
		}
	}
}

func (n *Node) addPeerAddrs(peerIDStr string, addrStrs []string) {
	pid, err := peer.Decode(peerIDStr)
	if err != nil || len(addrStrs) == 0 {
		return
	}
	ai, err := decodeRelayAddrInfo(peerIDStr, addrStrs)
	if err != nil || ai == nil {
		return
	}
	n.host.Peerstore().AddAddrs(pid, ai.Addrs, 20*time.Second)
}

// StopDiscovery stops mDNS and the presence-subscribe loop.
func (n *Node) StopDiscovery(ctx context.Context) error {
	if n.discoveryCancel != nil {
		n.discoveryCancel()
	}
	n.discoveryWG.Wait()
	if n.mdnsSvc != nil {
		return n.mdnsSvc.Close()
	}
	return nil
}

// CurrentNeighbors returns a point-in-time snapshot of the neighbor table.
func (n *Node) CurrentNeighbors() []adapters.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshotLocked()
}

// GetSignalStrength has no real radio analogue over a TCP/mDNS transport;
// it reports a constant nominal value so the router's signal term never
// dominates the internet/battery terms it is meant to be a tiebreaker
// for. A platform LinkLayer over BLE/LoRa would report a real RSSI here.
func (n *Node) GetSignalStrength() int32 { return -50 }

// CleanupStale drops neighbors that have not re-advertised within the
// default stale timeout and republishes the neighbor snapshot if it
// changed.
func (n *Node) CleanupStale(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()
	n.mu.Lock()
	changed := false
	for id, info := range n.neighbors {
		if info.IsStale(nowMs, adapters.DefaultStaleTimeout) {
			delete(n.neighbors, id)
			changed = true
		}
	}
	snapshot := n.snapshotLocked()
	n.mu.Unlock()
	if changed {
		n.publishNeighbors(snapshot)
	}
	return nil
}

// Shutdown stops discovery and closes the libp2p host.
func (n *Node) Shutdown(ctx context.Context) error {
	_ = n.StopDiscovery(ctx)
	if n.host == nil {
		return nil
	}
	if err := n.host.Close(); err != nil {
		return &adapters.LinkError{Kind: adapters.LinkIoError, Err: err}
	}
	return nil
}

// NeighborsStream returns the neighbor-snapshot stream.
func (n *Node) NeighborsStream() <-chan []adapters.NodeInfo { return n.neighborsCh }

// ReceivedFramesStream returns the inbound-frame stream.
func (n *Node) ReceivedFramesStream() <-chan adapters.ReceivedFrame { return n.frameCh }

// SelfID returns the local libp2p peer id, used by the host application
// to pass as the engine's node id.
func (n *Node) SelfID() string { return n.selfID }
