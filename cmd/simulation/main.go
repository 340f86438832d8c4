package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency for one API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (lo, hi, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	lo = rs.durations[0]
	hi = rs.durations[len(rs.durations)-1]

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

// simulationClient drives the execution API over HTTP
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	submit    *routeStats
	auth      *routeStats

	mu     sync.Mutex
	counts map[types.ResultKind]int
	errors int
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newSimulationClient(baseURL, apiKey, apiSecret string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		submit:  &routeStats{name: "Submit Intent"},
		auth:    &routeStats{name: "Authentication"},
		counts:  make(map[types.ResultKind]int),
	}

	token, err := sc.authenticate(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

func (sc *simulationClient) do(req *http.Request) (int, *envelope, error) {
	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(body))
	}
	return resp.StatusCode, &env, nil
}

// authenticate exchanges API credentials for a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	start := time.Now()

	body, err := json.Marshal(map[string]string{"api_key": apiKey, "api_secret": apiSecret})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, sc.baseURL+"/api/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	status, env, err := sc.do(req)
	sc.auth.add(time.Since(start), err != nil || status >= 300)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("authentication failed with status: %d", status)
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	if err := json.Unmarshal(env.Data, &token); err != nil {
		return "", err
	}
	return token.Token, nil
}

// submitIntent posts one trade intent and records its outcome
func (sc *simulationClient) submitIntent(intent types.TradeIntent) (*types.SubmissionResult, error) {
	start := time.Now()

	body, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, sc.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	req.Header.Set("Content-Type", "application/json")

	status, env, err := sc.do(req)
	sc.submit.add(time.Since(start), err != nil || status >= 500)
	if err != nil {
		sc.record("", true)
		return nil, err
	}

	var result types.SubmissionResult
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &result); err != nil {
			sc.record("", true)
			return nil, err
		}
	}
	if result.Kind == "" {
		// failures carry no result body
		result.Kind = types.ResultFailed
		if env.Error != nil {
			result.Error = env.Error.Message
		}
	}
	sc.record(result.Kind, false)
	return &result, nil
}

func (sc *simulationClient) record(kind types.ResultKind, transportErr bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if transportErr {
		sc.errors++
		return
	}
	sc.counts[kind]++
}

// report fetches the internal ledger summary; it needs an internal token
func (sc *simulationClient) report() (json.RawMessage, error) {
	req, err := http.NewRequest(http.MethodGet, sc.baseURL+"/api/v1/internal/report", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)

	status, env, err := sc.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("report failed with status %d", status)
	}
	return env.Data, nil
}

// printPerformanceStats outputs latency statistics for every endpoint
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range []*routeStats{sc.auth, sc.submit} {
		lo, hi, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			lo.Round(time.Millisecond),
			hi.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main replays bursts of identical intents from concurrent workers, the way
// a strategy loop retries on its own timer, and reports how many reached
// the venue versus how many were deduplicated
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "execution API base URL")
	apiKey := flag.String("api-key", "", "API key")
	apiSecret := flag.String("api-secret", "", "API secret")
	symbol := flag.String("symbol", "BTC-USDT", "symbol to trade")
	price := flag.String("price", "30000", "reference price")
	quantity := flag.String("quantity", "0.001", "base quantity per intent")
	bursts := flag.Int("bursts", 20, "number of distinct intents")
	fanout := flag.Int("fanout", 3, "concurrent copies of each intent")
	pause := flag.Duration("pause", 250*time.Millisecond, "max pause between bursts")
	flag.Parse()

	refPrice, err := decimal.NewFromString(*price)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid price")
	}
	qty, err := decimal.NewFromString(*quantity)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid quantity")
	}

	simClient, err := newSimulationClient(*baseURL, *apiKey, *apiSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	runID := uuid.New().String()[:8]
	log.Info().Str("run_id", runID).Int("bursts", *bursts).Int("fanout", *fanout).Msg("Starting simulation")
	start := time.Now()

	for i := 0; i < *bursts; i++ {
		side := types.SideBuy
		if i%3 == 2 {
			side = types.SideSell
		}
		// jitter keeps successive bursts distinct
		jitter := decimal.NewFromInt(int64(rand.Intn(100))).Div(decimal.NewFromInt(100))
		intent := types.TradeIntent{
			Symbol:            *symbol,
			Side:              side,
			ReferencePrice:    refPrice.Add(jitter),
			RequestedQuantity: qty,
			StrategyTag:       "simulation-" + runID,
			OrderKind:         types.OrderKindMarket,
			Denomination:      types.DenominationBase,
		}

		var wg sync.WaitGroup
		for w := 0; w < *fanout; w++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				result, err := simClient.submitIntent(intent)
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Msg("Submission failed")
					return
				}
				log.Info().
					Int("worker_id", workerID).
					Str("kind", string(result.Kind)).
					Str("fingerprint", result.Fingerprint).
					Str("state", result.State).
					Str("reason", result.Reason).
					Msg("Intent submitted")
			}(w)
		}
		wg.Wait()

		if *pause > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(*pause))))
		}
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXECUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Intents:          %d x %d\n", *bursts, *fanout)
	for _, kind := range []types.ResultKind{types.ResultAccepted, types.ResultDuplicate, types.ResultRejectedLocal, types.ResultFailed} {
		fmt.Printf("%-17s %d\n", string(kind)+":", simClient.counts[kind])
	}
	fmt.Printf("Transport errors: %d\n", simClient.errors)
	fmt.Printf("Duration:         %v\n", duration.Round(time.Millisecond))

	if report, err := simClient.report(); err == nil {
		fmt.Printf("Ledger report:    %s\n", string(report))
	} else {
		log.Debug().Err(err).Msg("Report unavailable")
	}

	simClient.printPerformanceStats()
}
