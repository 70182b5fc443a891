package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/escrowpay/escrowd/internal/api"
	"github.com/escrowpay/escrowd/internal/domain"
	"github.com/escrowpay/escrowd/internal/config"
	"github.com/escrowpay/escrowd/internal/engine"
	"github.com/escrowpay/escrowd/internal/eventlog"
	"github.com/escrowpay/escrowd/internal/events/kafka"
	"github.com/escrowpay/escrowd/internal/rail"
	"github.com/escrowpay/escrowd/internal/registry"
	"github.com/escrowpay/escrowd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	// Intent store: in-memory unless a database is configured.
	var (
		intents store.IntentStore = store.NewMemoryStore()
		logOpts []eventlog.Option
	)
	if cfg.DBSource != "" {
		pg, err := store.NewPostgresStore(cfg.DBSource)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Unable to ensure schema: %v", err)
		}
		intents = pg
		logOpts = append(logOpts, eventlog.WithMirror(pg))
	}

	key := certKey(cfg.CertKeySeed)
	logOpts = append(logOpts, eventlog.WithCertifier(eventlog.NewEd25519Certifier(key)))
	log.Printf("Certification public key: %s", hex.EncodeToString(key.Public().(ed25519.PublicKey)))

	if len(cfg.KafkaBrokers) > 0 {
		pub := kafka.NewPublisher(cfg.KafkaBrokers)
		defer pub.Close()
		logOpts = append(logOpts, eventlog.WithPublisher(pub, "escrow_events"))
	}

	events := eventlog.New(logOpts...)
	reg := registry.New(registry.NewStaticAuthorizer(cfg.AdminOwners...))
	clock := engine.SystemClock{}
	memRail := rail.NewMemoryRail()
	eng := engine.New(reg, intents, events, memRail, clock, cfg.ServiceOwner)

	// Expiry sweeper
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			n, err := eng.ExpireSweep(context.Background(), clock.Now())
			if err != nil {
				log.Printf("Expiry sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Expired %d intents", n)
			}
		}
	}()

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	api.NewHandler(eng, reg).Register(r)

	// Dev-only faucet for the in-process rail, used by the seeder and
	// the benchmark to fund payer accounts.
	if cfg.Env != "production" {
		r.HandleFunc("/dev/rail/credit", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				LedgerID string          `json:"ledger_id"`
				To       domain.Account  `json:"to"`
				Amount   decimal.Decimal `json:"amount"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			memRail.Credit(body.LedgerID, body.To, body.Amount)
			w.WriteHeader(http.StatusOK)
		}).Methods("POST")
	}

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}

// certKey derives the certification key from the configured seed, or
// generates an ephemeral one for development.
func certKey(seed string) ed25519.PrivateKey {
	if seed != "" {
		b, err := hex.DecodeString(seed)
		if err != nil || len(b) != ed25519.SeedSize {
			log.Fatalf("CERT_KEY_SEED must be %d hex-encoded bytes", ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(b)
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatal(err)
	}
	return key
}
