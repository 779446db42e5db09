// main.go - load test for the tracking pixel
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"log/slog"

	goflags "github.com/jessevdk/go-flags"

	"wikistats/internal/visitors"
)

// PerfConfig holds the configuration for the performance test
type PerfConfig struct {
	BaseURL      string        `long:"url" default:"http://localhost:3000" description:"Base URL of the statistics server"`
	WikiURL      string        `long:"wiki-url" default:"https://wiki.example.org/" description:"Wiki base URL used for internal referrers"`
	Concurrency  int           `short:"c" long:"concurrency" default:"10" description:"Number of concurrent clients"`
	Duration     time.Duration `short:"d" long:"duration" default:"30s" description:"Duration of the test"`
	EventsPerSec int           `long:"rate" default:"0" description:"Target hits per second (0 = unlimited)"`
	Timeout      time.Duration `long:"timeout" default:"10s" description:"Request timeout"`
}

// PerfStats holds statistics about the performance test
type PerfStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	StartTime          time.Time
	EndTime            time.Time

	mu            sync.Mutex
	statusCodes   map[int]int64
	responseTimes []time.Duration
}

// Result captures the result of a single request
type Result struct {
	Duration   time.Duration
	StatusCode int
	Error      error
}

var pages = []string{"start", "wiki:syntax", "wiki:welcome", "playground:playground", "faq:start", "devel:plugins"}

var searchReferrers = []string{
	"https://www.google.com/search?q=dokuwiki+syntax",
	"https://www.bing.com/search?q=wiki+plugins",
	"https://duckduckgo.com/?q=dokuwiki",
	"",
}

func main() {
	var config PerfConfig
	if _, err := goflags.Parse(&config); err != nil {
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, stopping", slog.String("signal", sig.String()))
		cancel()
	}()

	stats := &PerfStats{statusCodes: make(map[int]int64), StartTime: time.Now()}
	logger.Info("Starting load test",
		slog.String("url", config.BaseURL),
		slog.Int("concurrency", config.Concurrency),
		slog.Duration("duration", config.Duration))

	for result := range runTest(ctx, &config, logger) {
		stats.record(result)
	}
	stats.EndTime = time.Now()

	printResults(os.Stdout, stats)
}

func runTest(ctx context.Context, config *PerfConfig, logger *slog.Logger) <-chan Result {
	resultChan := make(chan Result, config.Concurrency*10)
	var wg sync.WaitGroup

	var interval time.Duration
	if config.EventsPerSec > 0 {
		interval = time.Duration(float64(time.Second) * float64(config.Concurrency) / float64(config.EventsPerSec))
		logger.Info("Rate limiting enabled", slog.Int("hits_per_sec", config.EventsPerSec))
	}

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: config.Timeout}
			rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(workerID)))

			var ticker *time.Ticker
			if interval > 0 {
				ticker = time.NewTicker(interval)
				defer ticker.Stop()
			}

			visit := newVisit(config, rng)
			for {
				if ticker != nil {
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				} else if ctx.Err() != nil {
					return
				}

				resultChan <- sendRequest(ctx, client, config.BaseURL, visit.next(rng))
				if visit.done() {
					visit = newVisit(config, rng)
				}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	return resultChan
}

// visit walks a few pages with one visitor identity so sessions grow the
// way they do for real readers.
type visit struct {
	wikiURL  string
	uid      string
	session  string
	referrer string
	left     int
}

func newVisit(config *PerfConfig, rng *rand.Rand) *visit {
	return &visit{
		wikiURL:  config.WikiURL,
		uid:      visitors.NewID(),
		session:  visitors.NewID(),
		referrer: searchReferrers[rng.IntN(len(searchReferrers))],
		left:     1 + rng.IntN(5),
	}
}

func (v *visit) done() bool { return v.left <= 0 }

// next returns the pixel query of the next page view.
func (v *visit) next(rng *rand.Rand) url.Values {
	page := pages[rng.IntN(len(pages))]
	q := url.Values{
		"do":  {"v"},
		"p":   {page},
		"r":   {v.referrer},
		"uid": {v.uid},
		"ses": {v.session},
		"sx":  {"1920"},
		"sy":  {"1080"},
		"vx":  {"1600"},
		"vy":  {"900"},
		"js":  {"1"},
	}
	v.referrer = v.wikiURL + "doku.php?id=" + url.QueryEscape(page)
	v.left--
	return q
}

func sendRequest(ctx context.Context, client *http.Client, baseURL string, query url.Values) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/log?"+query.Encode(), nil)
	if err != nil {
		return Result{Error: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0")

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return Result{Duration: duration, Error: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return Result{Duration: duration, StatusCode: resp.StatusCode}
}

func (s *PerfStats) record(result Result) {
	atomic.AddInt64(&s.TotalRequests, 1)
	if result.Error != nil {
		atomic.AddInt64(&s.FailedRequests, 1)
		return
	}

	s.mu.Lock()
	s.statusCodes[result.StatusCode]++
	s.responseTimes = append(s.responseTimes, result.Duration)
	s.mu.Unlock()

	if result.StatusCode == http.StatusOK {
		atomic.AddInt64(&s.SuccessfulRequests, 1)
	} else {
		atomic.AddInt64(&s.FailedRequests, 1)
	}
}

// percentile returns the p-th percentile (0..100) of sorted durations
// using the nearest rank method.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

func printResults(out io.Writer, stats *PerfStats) {
	elapsed := stats.EndTime.Sub(stats.StartTime)
	times := slices.Clone(stats.responseTimes)
	slices.Sort(times)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "\nMETRIC\tVALUE\n")
	fmt.Fprintf(w, "Duration\t%v\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Total Requests\t%d\n", stats.TotalRequests)
	fmt.Fprintf(w, "Successful Requests\t%d\n", stats.SuccessfulRequests)
	fmt.Fprintf(w, "Failed Requests\t%d\n", stats.FailedRequests)
	if elapsed > 0 {
		fmt.Fprintf(w, "Requests Per Second\t%.2f\n", float64(stats.TotalRequests)/elapsed.Seconds())
	}
	if len(times) > 0 {
		fmt.Fprintf(w, "Min Latency\t%v\n", times[0])
		fmt.Fprintf(w, "p50 Latency\t%v\n", percentile(times, 50))
		fmt.Fprintf(w, "p95 Latency\t%v\n", percentile(times, 95))
		fmt.Fprintf(w, "p99 Latency\t%v\n", percentile(times, 99))
		fmt.Fprintf(w, "Max Latency\t%v\n", times[len(times)-1])
	}

	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "HTTP %d\t%d\n", code, stats.statusCodes[code])
	}
	w.Flush()
}
