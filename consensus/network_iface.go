package consensus

import (
	"context"
	"fmt"
)

// NetworkClient is the outbound half of the authority-to-authority
// transport: issuing the two wire RPCs against a specific peer.
type NetworkClient interface {
	// SendBlock pushes a signed, serialized block to peer. One-way; the
	// peer's handler returns a structured error for malformed,
	// unauthorized or too-future blocks.
	SendBlock(ctx context.Context, peer AuthorityIndex, serialized []byte) error

	// FetchBlocks pulls the requested refs (capped at 200) plus any
	// ancestors the peer holds beyond highestRounds, from peer.
	FetchBlocks(ctx context.Context, peer AuthorityIndex, refs []BlockRef, highestRounds []uint64) ([]SignedBlock, error)
}

// NetworkService is the inbound half: what a NetworkManager routes peer
// RPCs to. AuthorityService implements this.
type NetworkService interface {
	HandleSendBlock(ctx context.Context, peer AuthorityIndex, serialized []byte) error
	HandleFetchBlocks(ctx context.Context, peer AuthorityIndex, refs []BlockRef, highestRounds []uint64) ([]SignedBlock, error)
}

// NetworkManager owns the transport lifecycle: starting to listen, routing
// inbound RPCs to an installed NetworkService, and vending NetworkClients
// for outbound calls.
type NetworkManager interface {
	Start() error
	Stop() error
	InstallService(svc NetworkService)
	Client() NetworkClient
}

// LocalNetwork is an in-process NetworkManager/NetworkClient fake: every
// authority in a test registers into the same LocalNetwork, and calls are
// direct Go calls rather than wire RPCs. Grounded on the paired fake
// dispatcher/network-client test doubles the original authority-wiring
// test suite uses to run several authorities in one process.
type LocalNetwork struct {
	managers map[AuthorityIndex]*LocalManager
}

// NewLocalNetwork creates an empty shared fabric; authorities join it via
// Register.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{managers: make(map[AuthorityIndex]*LocalManager)}
}

// LocalManager is one authority's endpoint on a LocalNetwork.
type LocalManager struct {
	self    AuthorityIndex
	network *LocalNetwork
	svc     NetworkService
}

// Register creates and registers a LocalManager for authority idx.
func (n *LocalNetwork) Register(idx AuthorityIndex) *LocalManager {
	m := &LocalManager{self: idx, network: n}
	n.managers[idx] = m
	return m
}

func (m *LocalManager) Start() error { return nil }
func (m *LocalManager) Stop() error  { return nil }

func (m *LocalManager) InstallService(svc NetworkService) { m.svc = svc }

func (m *LocalManager) Client() NetworkClient { return &localClient{from: m.self, network: m.network} }

type localClient struct {
	from    AuthorityIndex
	network *LocalNetwork
}

func (c *localClient) SendBlock(ctx context.Context, peer AuthorityIndex, serialized []byte) error {
	target, ok := c.network.managers[peer]
	if !ok || target.svc == nil {
		return newErr(KindShutdown, fmt.Errorf("peer %d unavailable", peer))
	}
	return target.svc.HandleSendBlock(ctx, c.from, serialized)
}

func (c *localClient) FetchBlocks(ctx context.Context, peer AuthorityIndex, refs []BlockRef, highestRounds []uint64) ([]SignedBlock, error) {
	target, ok := c.network.managers[peer]
	if !ok || target.svc == nil {
		return nil, newErr(KindShutdown, fmt.Errorf("peer %d unavailable", peer))
	}
	return target.svc.HandleFetchBlocks(ctx, c.from, refs, highestRounds)
}
