// Command hivepoa-agent runs one Proof-of-Access storage-validation agent:
// it answers challenges from other agents, issues its own challenge rounds
// as a validator, keeps a roster of known peers in sync with the ledger,
// auto-pins popular content up to a configured quota, and exposes a local
// HTTP control surface for status, configuration, and manual pin/upload.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dhenz14/hivepoa/autopin"
	"github.com/dhenz14/hivepoa/blockstore"
	"github.com/dhenz14/hivepoa/bus"
	"github.com/dhenz14/hivepoa/config"
	"github.com/dhenz14/hivepoa/control"
	"github.com/dhenz14/hivepoa/crypto"
	"github.com/dhenz14/hivepoa/custody"
	"github.com/dhenz14/hivepoa/events"
	"github.com/dhenz14/hivepoa/history"
	"github.com/dhenz14/hivepoa/ledger"
	"github.com/dhenz14/hivepoa/responder"
	"github.com/dhenz14/hivepoa/roster"
	"github.com/dhenz14/hivepoa/storage"
	"github.com/dhenz14/hivepoa/validator"
)

// globalTopic is the one pub/sub topic every agent subscribes to for
// challenge and response traffic.
const globalTopic = "hivepoa/v2/challenges"

// agentVersion is reported in this agent's own node_announce ops.
const agentVersion = "2.0.0"

func main() {
	app := &cli.App{
		Name:  "hivepoa-agent",
		Usage: "run a Proof-of-Access storage-validation agent",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.json", Usage: "path to config file"},
			&cli.StringFlag{Name: "keystore", Value: "agent.key", Usage: "path to keystore file"},
			&cli.StringFlag{Name: "data-dir", Value: ".", Usage: "directory for agent.db and earnings.json"},
			&cli.BoolFlag{Name: "genkey", Usage: "generate a new posting key and exit"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("[agent] automaxprocs: %v", err)
	}

	cfgPath := c.String("config")
	keyPath := c.String("keystore")
	dataDir := c.String("data-dir")

	// Keystore passwords are read from the environment, never from CLI
	// flags, since flags are visible to any other local user via ps.
	password := os.Getenv("HIVEPOA_PASSWORD")
	if password == "" {
		log.Println("WARNING: HIVEPOA_PASSWORD not set, keystore will use an empty password")
	}

	if c.Bool("genkey") {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		if err := custody.Save(keyPath, password, priv); err != nil {
			return fmt.Errorf("save keystore: %w", err)
		}
		fmt.Printf("Generated posting key. Public key: %s\n", pub.Hex())
		fmt.Printf("Saved to: %s\n", keyPath)
		return nil
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var priv crypto.PrivateKey
	if custody.Exists(keyPath) {
		priv, err = custody.Unlock(keyPath, password)
		if err != nil {
			return fmt.Errorf("unlock keystore: %w", err)
		}
	} else {
		log.Printf("[agent] no keystore at %s, running without a posting key (bus messages unsigned; no self-announcements or result broadcasts)", keyPath)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(dataDir, "agent.db"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	store := blockstore.New(cfg.BlockStoreURL)
	emitter := events.NewEmitter()
	h := history.New(db, filepath.Join(dataDir, "earnings.json"), emitter)

	var ledgerClient *ledger.Client
	var rstr *roster.Roster
	var val *validator.Validator
	var resp *responder.Responder

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	if cfg.P2PMode {
		ledgerClient = ledger.New(cfg.LedgerNodes)
		challengeInterval := time.Duration(cfg.ChallengeIntervalMs) * time.Millisecond
		rstr = roster.New(ledgerClient, db, store, cfg.Username, cfg.MinPeerReputation, challengeInterval)

		// instanceID distinguishes this process across restarts in logs;
		// the peer id announced on the ledger is the block-store daemon's
		// own id, fetched fresh so it survives the daemon being restarted
		// out from under this agent.
		instanceID := uuid.NewString()
		peerID, err := store.ID(ctx)
		if err != nil {
			log.Printf("[agent] block-store id unavailable, falling back to instance id: %v", err)
			peerID = instanceID
		}

		resolver := func(ctx context.Context, username string) (crypto.PublicKey, error) {
			acc, err := ledgerClient.GetAccount(ctx, username)
			if err != nil {
				return nil, err
			}
			return acc.PostingKey()
		}
		b := bus.New(globalTopic, peerID, store, store, resolver)

		resp = responder.New(cfg.Username, cfg.Username, priv, store, b, emitter)
		val = validator.New(validator.Config{
			Self:              cfg.Username,
			ChallengeInterval: challengeInterval,
			BroadcastResults:  true,
			RequireSigned:     priv != nil,
		}, cfg.Username, priv, b, rstr, ledgerClient, store, emitter)

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Subscribe(ctx, func(msg bus.Message) { dispatch(ctx, msg, resp, val) })
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			rstr.ScanLoop(ctx)
		}()

		if cfg.ValidatorEnabled {
			wg.Add(1)
			go func() {
				defer wg.Done()
				val.RunLoop(ctx)
			}()
		}

		if priv != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				roster.SelfAnnounceLoop(ctx, ledgerClient, store, cfg.Username, peerID, agentVersion, int64(cfg.StorageMaxGB), priv)
			}()
		}

		log.Printf("[agent] p2p mode enabled, instance %s, peer id %s", instanceID, peerID)
	} else {
		log.Printf("[agent] p2p mode disabled, central-server mode against %s (legacy)", cfg.ServerURL)
	}

	var pinner *autopin.AutoPinner
	if cfg.AutoPinPopular {
		popularity := autopin.NewPopularityClient(cfg.ServerURL + "/popular")
		pinner = autopin.New(store, popularity, cfg.AutoPinMaxGB)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pinner.RunLoop(ctx)
		}()
	}

	ctrl := control.New(cfg, cfgPath, priv, "", control.Deps{
		Store:     store,
		Ledger:    ledgerClient,
		Roster:    rstr,
		Validator: val,
		History:   h,
	})
	if err := ctrl.Start(); err != nil {
		cancel()
		return fmt.Errorf("control surface start: %w", err)
	}
	log.Printf("[agent] control surface listening on %s", ctrl.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[agent] shutting down")

	if err := ctrl.Stop(); err != nil {
		log.Printf("[agent] control surface shutdown: %v", err)
	}
	cancel()
	if rstr != nil {
		rstr.Close()
	}
	wg.Wait()
	log.Println("[agent] shutdown complete")
	return nil
}

// dispatch routes one decoded bus message to the component that owns its
// message type: the responder answers inbound requests/challenges, the
// validator collects inbound responses for a round it is waiting on.
func dispatch(ctx context.Context, msg bus.Message, resp *responder.Responder, val *validator.Validator) {
	var env bus.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		log.Printf("[agent] malformed message body: %v", err)
		return
	}
	switch env.Type {
	case bus.MsgCommitmentRequest:
		var req bus.CommitmentRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			log.Printf("[agent] decode commitment-request: %v", err)
			return
		}
		resp.HandleCommitmentRequest(ctx, req)
	case bus.MsgCommitmentResponse:
		var cr bus.CommitmentResponse
		if err := json.Unmarshal(msg.Body, &cr); err != nil {
			log.Printf("[agent] decode commitment-response: %v", err)
			return
		}
		val.HandleCommitmentResponse(cr)
	case bus.MsgChallenge:
		var ch bus.Challenge
		if err := json.Unmarshal(msg.Body, &ch); err != nil {
			log.Printf("[agent] decode challenge: %v", err)
			return
		}
		resp.HandleChallenge(ctx, ch)
	case bus.MsgResponse:
		var r bus.Response
		if err := json.Unmarshal(msg.Body, &r); err != nil {
			log.Printf("[agent] decode response: %v", err)
			return
		}
		val.HandleResponse(r)
	default:
		log.Printf("[agent] unknown message type %q", env.Type)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[agent] config file not found at %s, using defaults", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
