// Loadtest drives concurrent requests through the proxy's mount path and
// reports throughput, status codes and latency percentiles.
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/fz/tr?event=load -concurrency 20 -requests 2000
//	go run ./scripts/loadtest -url http://localhost:8080/fz/core.js -out summary.json
//
// Each request carries a distinct fake client IP in X-Forwarded-For and a
// _fz_uniq cookie, so a proxy with server.trust_forwarded_for enabled signs a
// different identity per worker.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type summary struct {
	Target        string         `json:"target"`
	Requests      int            `json:"requests"`
	Concurrency   int            `json:"concurrency"`
	Success       int64          `json:"success"`
	Failure       int64          `json:"failure"`
	DurationMS    int64          `json:"duration_ms"`
	ThroughputRPS float64        `json:"throughput_rps"`
	StatusCodes   map[int]int64  `json:"status_codes"`
	LatencyMS     map[string]int `json:"latency_ms"`
}

func main() {
	var (
		target      = flag.String("url", "http://localhost:8080/fz/tr?event=load", "Mounted proxy URL")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		timeoutSec  = flag.Int("timeout", 20, "Per-request timeout in seconds")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
		verbose     = flag.Bool("v", false, "Verbose per-request logging to stdout")
	)
	flag.Parse()

	client := &http.Client{Timeout: time.Duration(*timeoutSec) * time.Second}

	jobs := make(chan int)
	var wg sync.WaitGroup

	var success, failure atomic.Int64

	var mutex sync.Mutex
	statusCodes := make(map[int]int64)
	latencies := make([]time.Duration, 0, *requests)

	testStart := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			uniq := uuid.NewString()
			fakeIP := fmt.Sprintf("198.51.100.%d", (workerID%250)+1)

			for idx := range jobs {
				req, err := http.NewRequest(http.MethodGet, *target, nil)
				if err != nil {
					failure.Add(1)
					continue
				}
				req.Header.Set("X-Forwarded-For", fakeIP)
				req.AddCookie(&http.Cookie{Name: "_fz_uniq", Value: uniq})

				start := time.Now()
				resp, err := client.Do(req)
				dur := time.Since(start)

				if err != nil {
					failure.Add(1)
					if *verbose {
						fmt.Printf("[%d] idx=%d error=%v\n", workerID, idx, err)
					}
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				if resp.StatusCode < 400 {
					success.Add(1)
				} else {
					failure.Add(1)
				}

				mutex.Lock()
				statusCodes[resp.StatusCode]++
				latencies = append(latencies, dur)
				mutex.Unlock()

				if *verbose {
					fmt.Printf("[%d] idx=%d status=%d dur=%v\n", workerID, idx, resp.StatusCode, dur)
				}
			}
		}(i)
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	wg.Wait()
	totalDuration := time.Since(testStart)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pick := func(p float64) time.Duration {
		if len(latencies) == 0 {
			return 0
		}
		return latencies[int(float64(len(latencies)-1)*p)]
	}

	report := summary{
		Target:        *target,
		Requests:      *requests,
		Concurrency:   *concurrency,
		Success:       success.Load(),
		Failure:       failure.Load(),
		DurationMS:    totalDuration.Milliseconds(),
		ThroughputRPS: float64(*requests) / totalDuration.Seconds(),
		StatusCodes:   statusCodes,
		LatencyMS: map[string]int{
			"p50": int(pick(0.50).Milliseconds()),
			"p90": int(pick(0.90).Milliseconds()),
			"p95": int(pick(0.95).Milliseconds()),
			"p99": int(pick(0.99).Milliseconds()),
		},
	}

	fmt.Println("--- Proxy Load Test Summary ---")
	fmt.Printf("Target: %s\n", report.Target)
	fmt.Printf("Requests: %d  Concurrency: %d\n", report.Requests, report.Concurrency)
	fmt.Printf("Success: %d  Failure: %d\n", report.Success, report.Failure)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", totalDuration, report.ThroughputRPS)

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(statusCodes))
	for code := range statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, statusCodes[code])
	}

	fmt.Printf("\nLatency: p50=%v p90=%v p95=%v p99=%v\n", pick(0.50), pick(0.90), pick(0.95), pick(0.99))

	if *outJSON != "" {
		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if report.Failure > 0 {
		os.Exit(2)
	}
}
