package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/remit-api/internal/auth"
)

const (
	minConversions = 5
	maxConversions = 20
	numWorkers     = 3
	serverAddress  = "http://localhost:8080"
	settleTimeout  = 2 * time.Minute
)

// Each pair carries a plausible conversion rate so the simulated amounts look
// like real remittance traffic.
var pairs = []struct {
	sell, buy string
	rate      float64
}{
	{"CAD", "NGN", 1061.0},
	{"USD", "NGN", 1450.0},
	{"GBP", "GHS", 19.5},
	{"EUR", "KES", 140.0},
	{"USD", "ZAR", 18.2},
}

var seedBalances = map[string]float64{
	"CAD": 10000, "USD": 10000, "GBP": 10000, "EUR": 10000,
	"NGN": 0, "GHS": 0, "KES": 0, "ZAR": 0,
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes min, max, mean, median, p95 and p99 from the recorded
// durations.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope mirrors the API's standard response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient drives the wallet API over HTTP.
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":        {name: "Authentication"},
			"seed":        {name: "Seed Balances"},
			"convert":     {name: "Create Conversion"},
			"balance":     {name: "Get Balance"},
			"settlements": {name: "List Settlements"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(d)
	if failed {
		rs.failures++
	}
}

func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()

	body, err := json.Marshal(auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	})
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	sc.record("auth", time.Since(start), err != nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	if !env.Success {
		return "", fmt.Errorf("authentication rejected: %s", resp.Status)
	}

	var token auth.TokenResponse
	if err := json.Unmarshal(env.Data, &token); err != nil {
		return "", err
	}
	return token.Token, nil
}

// request performs an authenticated call and decodes the envelope.
func (sc *simulationClient) request(route, method, path string, payload interface{}) (*envelope, error) {
	start := time.Now()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.record(route, time.Since(start), true)
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	err = json.NewDecoder(resp.Body).Decode(&env)
	sc.record(route, time.Since(start), err != nil || !env.Success)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		msg := resp.Status
		if env.Error != nil {
			msg = env.Error.Message
		}
		return nil, fmt.Errorf("%s %s failed: %s", method, path, msg)
	}

	return &env, nil
}

func (sc *simulationClient) seed() error {
	_, err := sc.request("seed", http.MethodPost, "/api/v1/internal/balances/seed",
		map[string]interface{}{"balances": seedBalances})
	return err
}

func (sc *simulationClient) createConversion() error {
	pair := pairs[rand.Intn(len(pairs))]
	sellAmount := float64(rand.Intn(200)+10) + rand.Float64()
	sellAmount = math.Round(sellAmount*100) / 100
	buyAmount := math.Round(sellAmount*pair.rate*100) / 100

	_, err := sc.request("convert", http.MethodPost, "/api/v1/conversions", map[string]interface{}{
		"sell_currency": pair.sell,
		"buy_currency":  pair.buy,
		"sell_amount":   sellAmount,
		"buy_amount":    buyAmount,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("sell", pair.sell).
		Str("buy", pair.buy).
		Float64("sell_amount", sellAmount).
		Float64("buy_amount", buyAmount).
		Msg("conversion submitted")
	return nil
}

// outstanding returns how many pending settlements remain.
func (sc *simulationClient) outstanding() (int, error) {
	env, err := sc.request("settlements", http.MethodGet, "/api/v1/settlements", nil)
	if err != nil {
		return 0, err
	}

	var view struct {
		Settlements []json.RawMessage `json:"settlements"`
		IsPolling   bool              `json:"is_polling"`
	}
	if err := json.Unmarshal(env.Data, &view); err != nil {
		return 0, err
	}
	return len(view.Settlements), nil
}

func (sc *simulationClient) checkBalance(currency string) {
	env, err := sc.request("balance", http.MethodGet, fmt.Sprintf("/api/v1/wallets/%s/balance", currency), nil)
	if err != nil {
		log.Warn().Err(err).Str("currency", currency).Msg("balance check failed")
		return
	}

	var view struct {
		Currency          string   `json:"currency"`
		RawBalance        *float64 `json:"raw_balance"`
		OptimisticBalance *float64 `json:"optimistic_balance"`
		HasPending        bool     `json:"has_pending"`
	}
	if err := json.Unmarshal(env.Data, &view); err != nil {
		return
	}

	event := log.Info().Str("currency", view.Currency).Bool("has_pending", view.HasPending)
	if view.RawBalance != nil {
		event = event.Float64("raw", *view.RawBalance)
	}
	if view.OptimisticBalance != nil {
		event = event.Float64("optimistic", *view.OptimisticBalance)
	}
	event.Msg("balance")
}

func (sc *simulationClient) printStats() {
	fmt.Println("\n=== Route Performance Statistics ===")

	sc.mu.Lock()
	defer sc.mu.Unlock()

	names := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		rs := sc.stats[k]
		if rs.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("\n%s (%d calls, %d failures)\n", rs.name, rs.totalCalls, rs.failures)
		fmt.Printf("  min:    %v\n", min)
		fmt.Printf("  max:    %v\n", max)
		fmt.Printf("  mean:   %v\n", mean)
		fmt.Printf("  median: %v\n", median)
		fmt.Printf("  p95:    %v\n", p95)
		fmt.Printf("  p99:    %v\n", p99)
	}
}

func main() {
	log.Info().Msg("starting settlement reconciliation simulation")

	sc, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create simulation client")
	}

	if err := sc.seed(); err != nil {
		log.Fatal().Err(err).Msg("failed to seed balances")
	}

	numConversions := rand.Intn(maxConversions-minConversions+1) + minConversions
	log.Info().Int("conversions", numConversions).Msg("submitting conversions")

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				if err := sc.createConversion(); err != nil {
					log.Warn().Err(err).Msg("conversion rejected")
				}
			}
		}()
	}
	for i := 0; i < numConversions; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	// Poll at the coarse screen-level cadence until the reconciler has
	// confirmed everything; its own fast loop runs server-side.
	deadline := time.Now().Add(settleTimeout)
	for {
		remaining, err := sc.outstanding()
		if err != nil {
			log.Warn().Err(err).Msg("failed to list settlements")
		} else {
			log.Info().Int("outstanding", remaining).Msg("settlement progress")
			if remaining == 0 {
				log.Info().Msg("all settlements confirmed")
				break
			}
		}

		if time.Now().After(deadline) {
			log.Error().Msg("timed out waiting for settlements to confirm")
			break
		}

		for _, p := range pairs {
			sc.checkBalance(p.sell)
			sc.checkBalance(p.buy)
		}
		time.Sleep(15 * time.Second)
	}

	sc.printStats()
}
