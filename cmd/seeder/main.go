package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
)

const (
	TotalPayers    = 1000
	InitialBalance = "1000000"
)

var assets = map[string]struct {
	LedgerID string
	Decimals uint8
}{
	"USD": {LedgerID: "rail-usd", Decimals: 2},
	"EUR": {LedgerID: "rail-eur", Decimals: 2},
}

func main() {
	baseURL := os.Getenv("API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	admin := os.Getenv("ADMIN_OWNER")
	if admin == "" {
		admin = "admin"
	}

	log.Println("--- Seeding Escrow Service ---")

	// 1. Skip if already seeded
	resp, err := http.Get(baseURL + "/api/v1/ledgers/USD")
	if err != nil {
		log.Fatalf("API not reachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		log.Println("Assets already registered. Skipping.")
		return
	}

	// 2. Register assets
	for asset, info := range assets {
		body, _ := json.Marshal(map[string]any{
			"asset":     asset,
			"ledger_id": info.LedgerID,
			"decimals":  info.Decimals,
		})
		req, _ := http.NewRequest("POST", baseURL+"/api/v1/ledgers", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Caller", admin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatalf("Register %s failed: %v", asset, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Fatalf("Register %s failed: status %d", asset, resp.StatusCode)
		}
		log.Printf("Registered asset %s -> %s", asset, info.LedgerID)
	}

	// 3. Fund payer accounts on the dev rail
	log.Printf("Funding %d payer accounts...", TotalPayers)
	for i := 1; i <= TotalPayers; i++ {
		for _, info := range assets {
			body, _ := json.Marshal(map[string]any{
				"ledger_id": info.LedgerID,
				"to":        map[string]string{"owner": fmt.Sprintf("payer-%d", i)},
				"amount":    InitialBalance,
			})
			resp, err := http.Post(baseURL+"/dev/rail/credit", "application/json", bytes.NewBuffer(body))
			if err != nil {
				log.Fatalf("Funding failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				log.Fatalf("Funding failed: status %d", resp.StatusCode)
			}
		}
	}

	log.Printf("Successfully seeded %d payer accounts.", TotalPayers)
}
