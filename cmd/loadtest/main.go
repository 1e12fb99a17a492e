package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/kafka"
)

// Config describes one load run against the source topic.
type Config struct {
	Brokers     []string
	Topic       string
	Concurrency int
	Duration    time.Duration
	Actions     []string
}

type Stats struct {
	published atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	errors    map[string]int
}

func NewStats() *Stats {
	return &Stats{
		latencies: make([]time.Duration, 0, 100000),
		errors:    make(map[string]int),
	}
}

func (s *Stats) Record(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed.Add(1)
		s.errors[err.Error()]++
		return
	}
	s.published.Add(1)
	s.latencies = append(s.latencies, d)
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "comma separated Kafka brokers")
	topic := flag.String("topic", "events", "topic the sync pipeline consumes")
	concurrency := flag.Int("concurrency", 10, "number of concurrent producers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	flag.Parse()

	cfg := Config{
		Brokers:     strings.Split(*brokers, ","),
		Topic:       *topic,
		Concurrency: *concurrency,
		Duration:    *duration,
		Actions:     []string{"view", "click", "purchase", "signup", "logout"},
	}

	fmt.Println("=== indexsync Load Test ===")
	fmt.Printf("Brokers:     %s\n", strings.Join(cfg.Brokers, ","))
	fmt.Printf("Topic:       %s\n", cfg.Topic)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Println()

	stats := runLoadTest(cfg)
	if !printReport(stats, cfg.Duration) {
		os.Exit(1)
	}
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	producer := kafka.NewProducer(config.KafkaConfig{Brokers: cfg.Brokers}, cfg.Topic)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var seq atomic.Int64
	var wg sync.WaitGroup
	fmt.Print("Running")
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for ctx.Err() == nil {
				n := seq.Add(1)
				event := map[string]any{
					"event_id": fmt.Sprintf("lt-%d-%d", workerID, n),
					"user":     fmt.Sprintf("user-%d", n%1000),
					"action":   cfg.Actions[int(n)%len(cfg.Actions)],
					"ts":       time.Now().UTC().Format(time.RFC3339Nano),
				}
				start := time.Now()
				err := producer.Publish(ctx, fmt.Sprintf("user-%d", n%1000), event, nil)
				if ctx.Err() != nil {
					return
				}
				stats.Record(time.Since(start), err)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func printReport(stats *Stats, duration time.Duration) bool {
	published := stats.published.Load()
	failed := stats.failed.Load()
	total := published + failed

	fmt.Println("=== Results ===")
	fmt.Printf("Published:    %d\n", published)
	fmt.Printf("Failed:       %d\n", failed)
	if total > 0 {
		fmt.Printf("Error Rate:   %.2f%%\n", float64(failed)/float64(total)*100)
		fmt.Printf("Messages/sec: %.2f\n", float64(published)/duration.Seconds())
	}

	stats.mu.Lock()
	latencies := append([]time.Duration(nil), stats.latencies...)
	errs := make([]string, 0, len(stats.errors))
	for e := range stats.errors {
		errs = append(errs, e)
	}
	counts := stats.errors
	stats.mu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Println()
		fmt.Println("=== Publish Latency ===")
		fmt.Printf("Min: %s\n", latencies[0])
		fmt.Printf("Avg: %s\n", sum/time.Duration(len(latencies)))
		fmt.Printf("P50: %s\n", percentile(latencies, 50))
		fmt.Printf("P95: %s\n", percentile(latencies, 95))
		fmt.Printf("P99: %s\n", percentile(latencies, 99))
		fmt.Printf("Max: %s\n", latencies[len(latencies)-1])
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		fmt.Println()
		fmt.Println("=== Errors ===")
		for _, e := range errs {
			fmt.Printf("  %d x %s\n", counts[e], e)
		}
	}

	if published == 0 {
		fmt.Println()
		fmt.Println("WARNING: nothing was published. Is Kafka running?")
		return false
	}
	return true
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
