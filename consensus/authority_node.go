package consensus

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolbft/config"
	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/events"
)

// CommitteeFromConfig builds a Committee from a loaded Config.
func CommitteeFromConfig(cfg *config.Config) (*Committee, error) {
	authorities := make([]Authority, len(cfg.Authorities))
	for i, a := range cfg.Authorities {
		pub, err := crypto.PubKeyFromHex(a.ProtocolKey)
		if err != nil {
			return nil, fmt.Errorf("authorities[%d]: %w", i, err)
		}
		authorities[i] = Authority{ProtocolKey: pub, Address: a.Address, Weight: a.Weight}
	}
	return NewCommittee(cfg.Genesis.Epoch, authorities)
}

// AuthorityNode wires every consensus component for one authority and
// owns their combined start/stop lifecycle. Construction order mirrors
// the dependency order the original implementation this package is
// grounded on uses: network manager and broadcaster are live before Core
// exists (so nothing can be missed the instant Core starts proposing),
// and the dispatcher/leader-timeout/synchronizer/service layer is built on
// top of a fully-formed Core.
type AuthorityNode struct {
	committee *Committee
	ownIndex  AuthorityIndex

	networkManager NetworkManager
	broadcaster    Broadcaster
	dag            *DagState
	blockManager   *BlockManager
	commitObserver *CommitObserver
	core           *Core
	leaderTimeout  *LeaderTimeout
	synchronizer   *Synchronizer
	service        *AuthorityService
	txClient       *TransactionClient
	metrics        *Metrics

	log *logrus.Entry
}

// AuthorityNodeDeps bundles the external collaborators an AuthorityNode
// needs from outside the package: the persistent block/commit store, the
// network transport, and an optional metrics registry.
type AuthorityNodeDeps struct {
	Store           BlockStore
	CommitStore     CommitStore
	NetworkManager  NetworkManager
	Registry        prometheus.Registerer // nil -> private registry
	Consumer        CommitConsumer
	Emitter         *events.Emitter // nil -> no lifecycle events published
}

// NewAuthorityNode builds and wires every component. It starts no network
// I/O and does not run Core's dispatcher (call Start for that); the
// broadcaster's per-peer sender goroutines start here, at construction.
func NewAuthorityNode(cfg *config.Config, params config.Parameters, privKey crypto.PrivateKey, deps AuthorityNodeDeps, log *logrus.Entry) (*AuthorityNode, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	committee, err := CommitteeFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	ownIndex := AuthorityIndex(cfg.OwnIndex)

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := NewMetrics(registry)

	dag, err := NewDagState(committee, deps.Store)
	if err != nil {
		return nil, err
	}
	verifier := NewSignedBlockVerifier(committee)
	blockManager := NewBlockManager(dag, verifier, log)
	commitObserver, err := NewCommitObserver(committee, dag, deps.CommitStore, deps.Consumer, metrics, log)
	if err != nil {
		return nil, err
	}
	if deps.Emitter != nil {
		blockManager.SetEmitter(deps.Emitter)
		commitObserver.SetEmitter(deps.Emitter)
	}

	// Broadcaster is constructed before Core so it is already listening
	// on its per-peer channels the instant Core's first proposal fires.
	broadcaster := NewBroadcaster(committee, ownIndex, deps.NetworkManager.Client(), log)

	txClient, txConsumer := NewTransactionQueue(params.CommitChannelCapacity)

	core := NewCore(committee, ownIndex, privKey, dag, blockManager, commitObserver, broadcaster, txConsumer, metrics, params.MaxBlockTxs, log)
	if deps.Emitter != nil {
		core.SetEmitter(deps.Emitter)
	}

	leaderTimeout := NewLeaderTimeout(core, params.LeaderTimeout(), log)
	synchronizer := NewSynchronizer(committee, core, deps.NetworkManager.Client(), metrics, log)
	service := NewAuthorityService(committee, verifier, core, synchronizer, params.MaxForwardTimeDrift(), metrics, log)

	return &AuthorityNode{
		committee:      committee,
		ownIndex:       ownIndex,
		networkManager: deps.NetworkManager,
		broadcaster:    broadcaster,
		dag:            dag,
		blockManager:   blockManager,
		commitObserver: commitObserver,
		core:           core,
		leaderTimeout:  leaderTimeout,
		synchronizer:   synchronizer,
		service:        service,
		txClient:       txClient,
		metrics:        metrics,
		log:            log.WithField("component", "authority_node"),
	}, nil
}

// TransactionClient returns the handle external callers use to submit
// transactions for inclusion in future blocks.
func (n *AuthorityNode) TransactionClient() *TransactionClient { return n.txClient }

// Core exposes the Core dispatcher handle for RPC-layer status queries.
func (n *AuthorityNode) Core() *Core { return n.core }

// Start brings the node's goroutines up in dependency order: Core's
// dispatcher first (so it can receive commands), leader timeout and
// service installation last (both depend on a running Core).
func (n *AuthorityNode) Start() error {
	go n.core.Run()
	n.networkManager.InstallService(n.service)
	if err := n.networkManager.Start(); err != nil {
		return fmt.Errorf("start network manager: %w", err)
	}
	n.leaderTimeout.Start()
	n.log.Info("authority node started")
	return nil
}

// Stop tears down in this order: network first (stop accepting new
// inbound work), then broadcaster, then the core dispatcher, then leader
// timeout, then the synchronizer.
func (n *AuthorityNode) Stop() error {
	if err := n.networkManager.Stop(); err != nil {
		n.log.WithError(err).Warn("network manager stop error")
	}
	n.broadcaster.Stop()
	n.core.Stop()
	n.leaderTimeout.Stop()
	n.synchronizer.Stop()
	n.log.Info("authority node stopped")
	return nil
}

