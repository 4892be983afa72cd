package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/admin"
	"github.com/JuanPabloHerrera/openapi/internal/app"
	"github.com/JuanPabloHerrera/openapi/internal/config"
	"github.com/JuanPabloHerrera/openapi/internal/pricing"
	vegeta "github.com/tsenart/vegeta/v12/lib"
	"go.uber.org/zap"
)

var unaryResp = []byte(`{"id":"bench-123","object":"chat.completion","model":"openai/gpt-3.5-turbo","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":40,"total_tokens":52}}`)

type options struct {
	Duration   time.Duration
	Rate       int
	CreditsUSD float64
	RPM        int
	Chaos      bool
	DBPath     string
}

type report struct {
	Metrics        vegeta.Metrics
	InitialMicros  int64
	FinalMicros    int64
	ChargedMicros  int64
	SuccessRecords int
	ErrorRecords   int
}

func main() {
	opts := options{}
	flag.DurationVar(&opts.Duration, "duration", 10*time.Second, "Duration of the test")
	flag.IntVar(&opts.Rate, "rate", 50, "Requests per second")
	flag.Float64Var(&opts.CreditsUSD, "credits", 1, "Starting balance in USD; small values exercise 402s")
	flag.IntVar(&opts.RPM, "rpm", 0, "Per-account requests per minute (0 = unlimited)")
	flag.BoolVar(&opts.Chaos, "chaos", false, "Simulate random client disconnections")
	flag.Parse()

	dir, err := os.MkdirTemp("", "loadtest")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)
	opts.DBPath = filepath.Join(dir, "bench.db")

	fmt.Printf("Running load test: %s duration, %d req/s, $%.2f credits\n", opts.Duration, opts.Rate, opts.CreditsUSD)
	rep, err := run(context.Background(), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printReport(rep)

	if err := rep.verify(); err != nil {
		fmt.Println("FAIL:", err)
		os.Exit(1)
	}
	fmt.Println("PASS: ledger consistent")
}

func run(ctx context.Context, opts options) (*report, error) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(unaryResp)
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Server:    config.ServerConfig{Port: "0", Env: "test", MaxBodyBytes: 1 << 20},
		Database:  config.DatabaseConfig{Driver: "sqlite", DSN: "file:" + opts.DBPath + "?_busy_timeout=5000&_journal_mode=WAL"},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 0},
		Pricing:   config.PricingConfig{DefaultMarkupPercentage: 20, DefaultCompletionTokens: 100},
		Upstream:  config.UpstreamConfig{BaseURL: upstream.URL, APIKey: "mock-key", Timeout: 10 * time.Second},
		Usage:     config.UsageConfig{FlushInterval: 100 * time.Millisecond},
	}

	a, err := app.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		return nil, err
	}
	closed := false
	defer func() {
		if !closed {
			_ = a.Close(context.Background())
		}
	}()

	svc := admin.New(a.Repo, nil, nil)
	acct, err := svc.CreateAccount(ctx, "loadtest@example.com")
	if err != nil {
		return nil, err
	}
	key, err := svc.CreateKey(ctx, acct.ID, "loadtest", 0)
	if err != nil {
		return nil, err
	}
	rep := &report{}
	if rep.InitialMicros, err = svc.AddCredits(ctx, acct.ID, opts.CreditsUSD, ""); err != nil {
		return nil, err
	}
	if opts.RPM > 0 {
		if _, err := svc.SetLimits(ctx, acct.ID, admin.Limits{RequestsPerMinute: opts.RPM}); err != nil {
			return nil, err
		}
	}

	gw := httptest.NewServer(a.Server.Handler())
	defer gw.Close()
	url := gw.URL + "/v1/chat/completions"

	body := []byte(`{"model": "openai/gpt-3.5-turbo", "messages": [{"role": "user", "content": "Hello"}]}`)
	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodPost,
		URL:    url,
		Body:   body,
		Header: http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer " + key.Secret},
		},
	})

	done := make(chan struct{})
	var chaos sync.WaitGroup
	if opts.Chaos {
		chaos.Add(1)
		go func() {
			defer chaos.Done()
			startChaosMonkey(url, key.Secret, body, done)
		}()
	}

	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: opts.Rate, Per: time.Second}, opts.Duration, "Loadtest") {
		rep.Metrics.Add(res)
	}
	rep.Metrics.Close()
	close(done)
	chaos.Wait()

	// Drain in-flight settlements and queued usage records before reading.
	gw.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), app.DrainTimeout)
	defer cancel()
	if err := a.Close(drainCtx); err != nil {
		return nil, err
	}
	closed = true

	b, err := app.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close(context.Background()) }()

	if rep.FinalMicros, err = b.Ledger.Balance(ctx, acct.ID); err != nil {
		return nil, err
	}
	summary, err := b.Repo.Usage().Summary(ctx, acct.ID, time.Unix(0, 0))
	if err != nil {
		return nil, err
	}
	rep.ChargedMicros = summary.CreditsDeductedMicros
	rep.ErrorRecords = summary.Errors
	rep.SuccessRecords = summary.Requests - summary.Errors
	return rep, nil
}

// verify checks that the balance never went negative and that nothing left
// the balance without a usage record. Records keep the intended deduction
// even when the debit no longer fit, so they may exceed what was spent.
func (r *report) verify() error {
	if r.FinalMicros < 0 {
		return fmt.Errorf("final balance is negative: %d", r.FinalMicros)
	}
	if spent := r.InitialMicros - r.FinalMicros; spent > r.ChargedMicros {
		return fmt.Errorf("balance moved by %d micros but usage records charge only %d", spent, r.ChargedMicros)
	}
	return nil
}

// unbilled is the usage that was served but could not be debited.
func (r *report) unbilled() int64 {
	return r.ChargedMicros - (r.InitialMicros - r.FinalMicros)
}

func printReport(r *report) {
	m := r.Metrics
	fmt.Println("--------------------------------------------------")
	fmt.Println("50th percentile: ", m.Latencies.P50)
	fmt.Println("99th percentile: ", m.Latencies.P99)
	fmt.Println("Mean:            ", m.Latencies.Mean)
	fmt.Println("Max:             ", m.Latencies.Max)
	fmt.Printf("Success:         %.2f%%\n", m.Success*100)
	fmt.Printf("Throughput:      %.2f req/s\n", m.Throughput)
	fmt.Println("--------------------------------------------------")

	codes := make([]string, 0, len(m.StatusCodes))
	for code := range m.StatusCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	fmt.Println("Status codes:")
	for _, code := range codes {
		fmt.Printf("  %s  %d\n", code, m.StatusCodes[code])
	}

	fmt.Println("--------------------------------------------------")
	fmt.Printf("Initial balance: $%.6f\n", pricing.ToUSD(r.InitialMicros))
	fmt.Printf("Final balance:   $%.6f\n", pricing.ToUSD(r.FinalMicros))
	fmt.Printf("Charged:         $%.6f over %d successful and %d failed records\n",
		pricing.ToUSD(r.ChargedMicros), r.SuccessRecords, r.ErrorRecords)
	fmt.Printf("Unbilled:        $%.6f\n", pricing.ToUSD(r.unbilled()))

	if len(m.Errors) > 0 {
		fmt.Println("Error Set (first 5 unique):")
		for i, msg := range m.Errors {
			if i == 5 {
				break
			}
			fmt.Println(" ", msg)
		}
	}
}

// startChaosMonkey fires requests that give up after 1-200ms, so some are
// cancelled while the gateway is mid-settlement.
func startChaosMonkey(url, secret string, body []byte, done chan struct{}) {
	client := &http.Client{}
	for {
		select {
		case <-done:
			return
		default:
		}

		timeout := time.Duration(rand.Intn(200)+1) * time.Millisecond
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+secret)

		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()

		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
	}
}
