// Command node runs one TolBFT consensus authority.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolbft/config"
	"github.com/tolelom/tolbft/consensus"
	"github.com/tolelom/tolbft/crypto/certgen"
	"github.com/tolelom/tolbft/events"
	"github.com/tolelom/tolbft/ledger"
	"github.com/tolelom/tolbft/network"
	"github.com/tolelom/tolbft/rpc"
	"github.com/tolelom/tolbft/storage"
	"github.com/tolelom/tolbft/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new protocol key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOLBFT_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOLBFT_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Protocol public key: %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	blockStore := storage.NewLevelBlockStore(db)

	logger := logrus.NewEntry(logrus.StandardLogger()).WithField("authority", privKey.Public().Fingerprint())
	emitter := events.NewEmitter()
	led := ledger.New(db, emitter)

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for consensus transport")
	}

	peerAddrs := make(map[consensus.AuthorityIndex]string)
	for i, a := range cfg.Authorities {
		if i == cfg.OwnIndex {
			continue
		}
		peerAddrs[consensus.AuthorityIndex(i)] = a.Address
	}
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	netManager := network.NewTCPManager(consensus.AuthorityIndex(cfg.OwnIndex), p2pAddr, peerAddrs, tlsCfg)

	commitCh := make(chan consensus.CommittedSubDag, cfg.Parameters.CommitChannelCapacity)
	consumer := consensus.CommitConsumer{Channel: commitCh}

	node, err := consensus.NewAuthorityNode(cfg, cfg.Parameters, privKey, consensus.AuthorityNodeDeps{
		Store:          blockStore,
		CommitStore:    blockStore,
		NetworkManager: netManager,
		Registry:       prometheus.NewRegistry(),
		Consumer:       consumer,
		Emitter:        emitter,
	}, logger)
	if err != nil {
		log.Fatalf("build authority node: %v", err)
	}

	// Drain committed sub-DAGs; the ledger package already indexes commits
	// via the emitter, so this loop just unblocks CommitObserver's
	// backpressure and logs a one-line summary per commit.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sub := <-commitCh:
				log.Printf("committed index=%d leader=%s blocks=%d", sub.CommitIndex, sub.Leader, len(sub.Blocks))
			case <-done:
				return
			}
		}
	}()

	if err := node.Start(); err != nil {
		log.Fatalf("start authority node: %v", err)
	}
	log.Printf("P2P listening on %s", p2pAddr)

	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(node.Core(), node.TransactionClient(), led, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	log.Printf("Authority running (protocol key: %s, index: %d)", privKey.Public().Hex(), cfg.OwnIndex)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	close(done)
	if err := node.Stop(); err != nil {
		log.Printf("stop authority node: %v", err)
	}
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
