package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/httpapi"
	"github.com/orclabs/orcd/idkeys"
	"github.com/orclabs/orcd/node"
	"github.com/orclabs/orcd/rpc"
	"github.com/orclabs/orcd/storeadapters/boltstore"
	"github.com/orclabs/orcd/token"
	"github.com/orclabs/orcd/transport/smuxoverlay"
	"github.com/orclabs/orcd/wallet"
)

// config collects the daemon's persistent flags.
type config struct {
	dataDir     string
	listenAddr  string
	httpAddr    string
	tokenTTL    time.Duration
	maxOffers   int
	farmer      bool
	renter      bool
}

var cfg config

var rootCmd = &cobra.Command{
	Use:   "orcd",
	Short: "orcd runs a farmer/renter anonymous storage node",
	Long:  "orcd negotiates storage contracts and transfers shards over an onion-routed overlay, acting as a farmer, a renter, or both.",
	RunE:  runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", "orcd-data", "directory for contracts, shards, and identity state")
	rootCmd.PersistentFlags().StringVar(&cfg.listenAddr, "rpc-addr", ":4280", "address the overlay RPC transport listens on")
	rootCmd.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", ":4281", "address the shard-transfer HTTP server listens on")
	rootCmd.PersistentFlags().DurationVar(&cfg.tokenTTL, "token-ttl", token.DefaultTTL, "lifetime of a minted shard-transfer token")
	rootCmd.PersistentFlags().IntVar(&cfg.maxOffers, "max-offers", 1, "maximum concurrent offers accepted per published descriptor (the daemon publishes no descriptors, so this value is not used)")
	rootCmd.PersistentFlags().BoolVar(&cfg.farmer, "farmer", true, "register the overlay RPC verb handlers (all eight: OFFER, CLAIM, CONSIGN, RETRIEVE, MIRROR, AUDIT, RENEW, PROBE)")
	rootCmd.PersistentFlags().BoolVar(&cfg.renter, "renter", true, "renter role toggle; it only counts toward the at-least-one-role check and gates no calls")
}

// runDaemon brings up one Node: identity, persistent stores, the
// overlay transport, the RPC handlers, and the shard HTTP server, then
// blocks serving both until interrupted.
func runDaemon(cmd *cobra.Command, args []string) error {
	if !cfg.farmer && !cfg.renter {
		return errors.New("at least one of --farmer or --renter must be enabled")
	}
	if err := os.MkdirAll(cfg.dataDir, 0700); err != nil {
		return errors.AddContext(err, "failed to create data directory")
	}

	seed := idkeys.NewSeed(fastrand.Bytes(32))
	identity := contact.Contact{
		Identity: seed.ExtendedPublicKey(),
		Info:     contact.Info{Address: cfg.listenAddr, HDKey: seed.ExtendedPublicKey()},
	}

	contracts, err := boltstore.OpenContractStore(
		filepath.Join(cfg.dataDir, "contracts.db"),
		filepath.Join(cfg.dataDir, "contracts.wal"),
	)
	if err != nil {
		return errors.AddContext(err, "failed to open contract store")
	}

	shards, err := boltstore.NewShardStore(filepath.Join(cfg.dataDir, "shards"))
	if err != nil {
		return errors.AddContext(err, "failed to open shard store")
	}

	tokens := token.NewTable(cfg.tokenTTL)
	defer tokens.Close()

	handlers := &rpc.Handlers{
		Contracts: contracts,
		Shards:    shards,
		Tokens:    tokens,
		Identity:  rpc.Identity{ID: identity.Identity, HDKey: identity.Info.HDKey},
		Signer:    seed.ChildSigner(0),
		Verifier:  idkeys.DefaultVerifier{},
		Claims:    rpc.AllowList{"*": true},
		Minter:    wallet.Ephemeral{},
	}

	overlayTransport := smuxoverlay.New(cfg.listenAddr, nil)
	n := node.New(handlers, overlayTransport, identity, nil, 10*time.Minute)
	if cfg.farmer {
		n.Listen()
	}
	defer n.Close()

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return errors.AddContext(err, "failed to listen on "+cfg.listenAddr)
	}
	go overlayTransport.Serve(ln)
	defer overlayTransport.Close()

	server := httpapi.NewServer(tokens, shards, contracts, identity, nil, nil, nil)
	fmt.Printf("orcd: identity %s, rpc on %s, http on %s\n", identity.Identity, cfg.listenAddr, cfg.httpAddr)
	return startHTTP(cfg.httpAddr, server)
}
