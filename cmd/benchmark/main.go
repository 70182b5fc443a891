package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	created       uint64
	captured      uint64
	conflicts     uint64 // InvalidState on contended captures
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "cycle", "Workload type: cycle | contend")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	merchant := fmt.Sprintf("bench-merchant-%d", rand.Intn(100))

	for time.Since(start) < duration {
		id, ok := createIntent(client, merchant)
		if !ok {
			continue
		}
		atomic.AddUint64(&created, 1)

		if workload == "contend" {
			// Race two captures against the same intent; exactly one
			// may win, the loser must see a conflict.
			var inner sync.WaitGroup
			inner.Add(2)
			for j := 0; j < 2; j++ {
				go func() {
					defer inner.Done()
					capture(client, merchant, id)
				}()
			}
			inner.Wait()
		} else {
			capture(client, merchant, id)
		}
	}
}

func createIntent(client *http.Client, merchant string) (string, bool) {
	payload := map[string]any{
		"asset":      "USD",
		"amount":     "100",
		"expires_at": time.Now().Add(time.Hour).UnixNano(),
		"metadata":   []map[string]string{{"key": "order_id", "value": uuid.New().String()}},
	}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/intents", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller", merchant)

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return "", false
	}
	defer resp.Body.Close()
	atomic.AddUint64(&totalRequests, 1)

	if resp.StatusCode != http.StatusCreated {
		atomic.AddUint64(&failOther, 1)
		io.Copy(io.Discard, resp.Body)
		return "", false
	}
	var intent struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		atomic.AddUint64(&failOther, 1)
		return "", false
	}
	return intent.ID, true
}

func capture(client *http.Client, merchant, intentID string) {
	payer := fmt.Sprintf("payer-%d", rand.Intn(1000)+1)
	payload := map[string]any{"from": map[string]string{"owner": payer}}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/intents/"+intentID+"/capture", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller", merchant)

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	atomic.AddUint64(&totalRequests, 1)

	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddUint64(&captured, 1)
	case http.StatusConflict:
		atomic.AddUint64(&conflicts, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": float64(total) / d.Seconds(),
		"created":        atomic.LoadUint64(&created),
		"captured":       atomic.LoadUint64(&captured),
		"conflicts":      atomic.LoadUint64(&conflicts),
		"errors":         atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
