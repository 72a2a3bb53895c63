package network

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tolelom/tolbft/consensus"
)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// fetchBlocksRequest/Response are the wire payloads for the fetch_blocks
// RPC; send_block's payload is simply the serialized signed block.
type fetchBlocksRequest struct {
	Refs          []consensus.BlockRef `json:"refs"`
	HighestRounds []uint64             `json:"highest_rounds"`
}

type fetchBlocksResponse struct {
	Blocks []consensus.SignedBlock `json:"blocks"`
}

// TCPManager implements consensus.NetworkManager and consensus.NetworkClient
// over the length-prefixed TCP/TLS transport: one persistent connection per
// peer, request/response correlated by RequestID, inbound requests routed
// to an installed consensus.NetworkService.
type TCPManager struct {
	self       consensus.AuthorityIndex
	listenAddr string
	peerAddrs  map[consensus.AuthorityIndex]string
	tlsConfig  *tls.Config
	maxPeers   int

	mu      sync.RWMutex
	peers   map[consensus.AuthorityIndex]*Peer
	pending map[string]chan Message

	svc      consensus.NetworkService
	listener net.Listener
	stopCh   chan struct{}
}

// NewTCPManager creates a TCPManager for authority self, listening on
// listenAddr and dialing peerAddrs (address by authority index, excluding
// self) lazily on first use.
func NewTCPManager(self consensus.AuthorityIndex, listenAddr string, peerAddrs map[consensus.AuthorityIndex]string, tlsCfg *tls.Config) *TCPManager {
	return &TCPManager{
		self:       self,
		listenAddr: listenAddr,
		peerAddrs:  peerAddrs,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		peers:      make(map[consensus.AuthorityIndex]*Peer),
		pending:    make(map[string]chan Message),
		stopCh:     make(chan struct{}),
	}
}

func (n *TCPManager) InstallService(svc consensus.NetworkService) { n.svc = svc }

func (n *TCPManager) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

func (n *TCPManager) Stop() error {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
	return nil
}

func (n *TCPManager) Client() consensus.NetworkClient { return n }

func (n *TCPManager) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		go n.readLoop(peer, -1)
	}
}

// dialPeer lazily connects to idx, reusing an existing connection.
func (n *TCPManager) dialPeer(idx consensus.AuthorityIndex) (*Peer, error) {
	n.mu.RLock()
	p, ok := n.peers[idx]
	n.mu.RUnlock()
	if ok {
		return p, nil
	}
	addr, ok := n.peerAddrs[idx]
	if !ok {
		return nil, fmt.Errorf("no address configured for authority %d", idx)
	}
	peer, err := Connect(fmt.Sprint(idx), addr, n.tlsConfig)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.peers[idx] = peer
	n.mu.Unlock()
	go n.readLoop(peer, idx)
	return peer, nil
}

func (n *TCPManager) readLoop(peer *Peer, idx consensus.AuthorityIndex) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] readLoop panic from %s: %v", peer.ID, r)
		}
		peer.Close()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		if msg.RequestID != "" {
			n.mu.RLock()
			replyCh, waiting := n.pending[msg.RequestID]
			n.mu.RUnlock()
			if waiting {
				replyCh <- msg
				continue
			}
		}
		go n.handleInbound(peer, idx, msg)
	}
}

func (n *TCPManager) handleInbound(peer *Peer, idx consensus.AuthorityIndex, msg Message) {
	if n.svc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case MsgSendBlock:
		err := n.svc.HandleSendBlock(ctx, idx, msg.Payload)
		resp := Message{Type: MsgSendBlockAck, RequestID: msg.RequestID}
		if err != nil {
			resp.Err = err.Error()
		}
		_ = peer.Send(resp)
	case MsgFetchBlocks:
		var req fetchBlocksRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			_ = peer.Send(Message{Type: MsgFetchBlocksResp, RequestID: msg.RequestID, Err: err.Error()})
			return
		}
		blocks, err := n.svc.HandleFetchBlocks(ctx, idx, req.Refs, req.HighestRounds)
		resp := Message{Type: MsgFetchBlocksResp, RequestID: msg.RequestID}
		if err != nil {
			resp.Err = err.Error()
		} else {
			payload, merr := json.Marshal(fetchBlocksResponse{Blocks: blocks})
			if merr != nil {
				resp.Err = merr.Error()
			} else {
				resp.Payload = payload
			}
		}
		_ = peer.Send(resp)
	}
}

func (n *TCPManager) request(ctx context.Context, peer *Peer, msg Message) (Message, error) {
	replyCh := make(chan Message, 1)
	n.mu.Lock()
	n.pending[msg.RequestID] = replyCh
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, msg.RequestID)
		n.mu.Unlock()
	}()

	if err := peer.Send(msg); err != nil {
		return Message{}, err
	}
	select {
	case resp := <-replyCh:
		if resp.Err != "" {
			return Message{}, fmt.Errorf("%s", resp.Err)
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func newRequestID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// SendBlock implements consensus.NetworkClient.
func (n *TCPManager) SendBlock(ctx context.Context, peer consensus.AuthorityIndex, serialized []byte) error {
	p, err := n.dialPeer(peer)
	if err != nil {
		return err
	}
	_, err = n.request(ctx, p, Message{Type: MsgSendBlock, RequestID: newRequestID(), Payload: serialized})
	return err
}

// FetchBlocks implements consensus.NetworkClient.
func (n *TCPManager) FetchBlocks(ctx context.Context, peer consensus.AuthorityIndex, refs []consensus.BlockRef, highestRounds []uint64) ([]consensus.SignedBlock, error) {
	p, err := n.dialPeer(peer)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(fetchBlocksRequest{Refs: refs, HighestRounds: highestRounds})
	if err != nil {
		return nil, err
	}
	resp, err := n.request(ctx, p, Message{Type: MsgFetchBlocks, RequestID: newRequestID(), Payload: payload})
	if err != nil {
		return nil, err
	}
	var out fetchBlocksResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}
