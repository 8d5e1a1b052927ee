// Load generator for exercising Kestrel's ingress and detection pipeline.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -users 50 -count 5000
//
// Generates a synthetic transaction mix across a population of users and
// submits it through the ingress API. A configurable fraction of users
// exhibit fraud patterns (large amounts, rapid bursts, location hopping) so
// the alert rate downstream can be eyeballed against expectations.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var locations = []string{"NYC", "LON", "SIN", "TOK", "FRA", "SYD"}

// submission is one ingress request paired with its user.
type submission struct {
	UserID   string  `json:"userId"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Location string  `json:"location"`
}

type stats struct {
	sent     atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) record(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func main() {
	url := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	users := flag.Int("users", 50, "number of distinct users")
	count := flag.Int("count", 1000, "total transactions to send")
	workers := flag.Int("workers", 8, "concurrent senders")
	fraudPct := flag.Float64("fraud", 0.1, "fraction of users given fraudulent behavior")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	plan := buildPlan(rng, *users, *count, *fraudPct)

	fmt.Printf("Sending %d transactions for %d users (%d fraudulent) to %s\n",
		len(plan), *users, int(float64(*users)**fraudPct), *url)

	client := &http.Client{Timeout: 10 * time.Second}
	st := &stats{}

	jobs := make(chan submission)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				send(client, *url, sub, st)
			}
		}()
	}

	// Per-user order matters to the heuristics, so the plan is sent in
	// sequence; the server's keyed partitions keep it that way downstream.
	for _, sub := range plan {
		jobs <- sub
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	report(st, elapsed)

	if st.failed.Load() > 0 {
		os.Exit(1)
	}
}

// buildPlan lays out the full transaction sequence. Honest users send
// modest amounts from a home location; fraudulent users mix in the three
// patterns the detector looks for.
func buildPlan(rng *rand.Rand, users, count int, fraudPct float64) []submission {
	fraudUsers := int(float64(users) * fraudPct)
	plan := make([]submission, 0, count)

	for i := 0; i < count; i++ {
		u := rng.Intn(users)
		userID := fmt.Sprintf("user-%03d", u)
		home := locations[u%len(locations)]

		sub := submission{
			UserID:   userID,
			Amount:   10 + rng.Float64()*500,
			Currency: "USD",
			Location: home,
		}

		if u < fraudUsers {
			switch rng.Intn(3) {
			case 0: // large amount
				sub.Amount = 10_001 + rng.Float64()*50_000
			case 1: // location hop
				sub.Location = locations[rng.Intn(len(locations))]
			case 2: // burst: duplicate the submission several times
				for j := 0; j < 4 && len(plan) < count-1; j++ {
					plan = append(plan, sub)
				}
			}
		}

		plan = append(plan, sub)
	}

	return plan
}

func send(client *http.Client, baseURL string, sub submission, st *stats) {
	body, _ := json.Marshal(sub)

	start := time.Now()
	resp, err := client.Post(baseURL+"/api/v1/transactions", "application/json", bytes.NewReader(body))
	st.sent.Add(1)
	if err != nil {
		st.failed.Add(1)
		return
	}
	defer resp.Body.Close()
	st.record(time.Since(start))

	switch {
	case resp.StatusCode == http.StatusOK:
		st.accepted.Add(1)
	case resp.StatusCode == http.StatusBadRequest:
		st.rejected.Add(1)
	default:
		st.failed.Add(1)
	}
}

func report(st *stats, elapsed time.Duration) {
	sent := st.sent.Load()

	fmt.Println()
	fmt.Println("=== Load Report ===")
	fmt.Printf("Sent:      %d\n", sent)
	fmt.Printf("Accepted:  %d\n", st.accepted.Load())
	fmt.Printf("Rejected:  %d\n", st.rejected.Load())
	fmt.Printf("Failed:    %d\n", st.failed.Load())
	fmt.Printf("Elapsed:   %s\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		fmt.Printf("Rate:      %.1f tx/s\n", float64(sent)/elapsed.Seconds())
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.latencies) == 0 {
		return
	}
	var total time.Duration
	max := st.latencies[0]
	for _, d := range st.latencies {
		total += d
		if d > max {
			max = d
		}
	}
	fmt.Printf("Latency:   avg %s, max %s\n",
		(total / time.Duration(len(st.latencies))).Round(time.Microsecond),
		max.Round(time.Microsecond))
}
