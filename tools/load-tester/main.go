package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type point struct {
	MetricName string            `json:"metric_name"`
	Timestamp  time.Time         `json:"timestamp"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels"`
}

var metricNames = []string{"cpu_usage", "memory_usage", "disk_usage", "response_time"}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/metrics", "Target URL for ingestion")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 1000, "Requests per second limit")
	batch := flag.Int("batch", 20, "Points per request")
	agents := flag.Int("agents", 50, "Number of simulated agents")
	flag.Parse()

	log.Printf("Starting load test on %s", *targetURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d, Batch: %d", *concurrency, *duration, *rps, *batch)

	var wg sync.WaitGroup
	var successCount, errorCount, pointCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100

	for i := range *concurrency {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
			}

			for {
				if err := limiter.Wait(ctx); err != nil {
					return // deadline reached
				}

				points := make([]point, *batch)
				for j := range points {
					points[j] = point{
						MetricName: metricNames[rand.IntN(len(metricNames))],
						Timestamp:  time.Now().UTC(),
						Value:      rand.Float64() * 100,
						Labels: map[string]string{
							"agent_id": fmt.Sprintf("agent-%03d", rand.IntN(*agents)),
							"worker":   fmt.Sprint(workerID),
						},
					}
				}
				payload, _ := json.Marshal(points)

				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(payload))
				if err != nil {
					continue // Should not happen
				}
				req.Header.Set("Content-Type", "application/json")

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() == nil {
						errorCount.Add(1)
					}
					continue
				}

				if resp.StatusCode == http.StatusAccepted {
					successCount.Add(1)
					pointCount.Add(int64(len(points)))
				} else {
					errorCount.Add(1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	totalRequests := successCount.Load() + errorCount.Load()
	actualRPS := float64(totalRequests) / duration.Seconds()

	log.Println("Load test finished.")
	log.Printf("Total Requests: %d", totalRequests)
	log.Printf("Successful (202 Accepted): %d", successCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Points Accepted: %d", pointCount.Load())
	log.Printf("Actual RPS: %.2f", actualRPS)
}
