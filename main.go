package main

import (
	"context"
	"crypto/rand"
	"log"
	"net/http"
	"os"

	"github.com/rs/cors"
)

// writeQueueDepth bounds the async ledger-write backlog.
const writeQueueDepth = 1024

func main() {
	cfg, err := LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		// Ephemeral secret: sessions do not survive a restart, which is
		// consistent with the risk engine resetting too.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Fatalf("session secret: %v", err)
		}
		log.Printf("no SESSION_SECRET configured, using an ephemeral one")
	}

	registry := NewAgentRegistry()
	reputation := NewReputationLedger()
	staking := NewStakingLedger(cfg)
	risk := NewRiskEngine(cfg)
	gate := NewFloodGate(cfg)
	sessions := NewSessionIssuer(secret)
	payments := NewLocalPaymentValidator()
	hub := NewDecisionHub()

	reputation.AuthorizeSubmitter(operatorIdentity)
	staking.AuthorizeSlasher(operatorIdentity)

	controller := NewAdmissionController(cfg, gate, sessions, reputation, staking, risk, registry, payments)
	controller.SetHub(hub)

	writer := NewLedgerWriter(reputation, staking, writeQueueDepth)
	go writer.Run(context.Background())

	srv := NewServer(cfg, controller, gate, sessions, reputation, staking, risk, registry, writer, hub)

	mux := http.NewServeMux()
	srv.Routes(mux)

	handler := cors.Default().Handler(RateLimitMiddleware(NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow), mux))

	log.Printf("Agent Gate listening on :%s (pow difficulty %d, unbonding %s)",
		cfg.Port, cfg.PoWDifficulty, cfg.UnbondingPeriod)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}
