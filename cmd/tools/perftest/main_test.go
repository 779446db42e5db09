package main

import (
	"bytes"
	"context"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	times := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.Equal(t, time.Duration(0), percentile(nil, 50))
	assert.Equal(t, time.Duration(5), percentile(times, 50))
	assert.Equal(t, time.Duration(10), percentile(times, 99))
	assert.Equal(t, time.Duration(1), percentile(times, 0))
}

func TestVisitReferrerChain(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	v := newVisit(&PerfConfig{WikiURL: "https://wiki.example.org/"}, rng)
	v.left = 2

	first := v.next(rng)
	second := v.next(rng)

	assert.Equal(t, "v", first.Get("do"))
	assert.Equal(t, first.Get("uid"), second.Get("uid"))
	assert.Equal(t, first.Get("ses"), second.Get("ses"))
	assert.Equal(t, "https://wiki.example.org/doku.php?id="+url.QueryEscape(first.Get("p")), second.Get("r"))
	assert.True(t, v.done())
}

func TestSendRequestAndStats(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if r.URL.Path != "/log" || r.URL.Query().Get("p") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/gif")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rng := rand.New(rand.NewPCG(3, 4))
	v := newVisit(&PerfConfig{WikiURL: "https://wiki.example.org/"}, rng)

	stats := &PerfStats{statusCodes: make(map[int]int64)}
	stats.record(sendRequest(context.Background(), server.Client(), server.URL, v.next(rng)))
	stats.record(sendRequest(context.Background(), server.Client(), server.URL+"/missing", v.next(rng)))

	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)

	stats.EndTime = stats.StartTime.Add(time.Second)
	var out bytes.Buffer
	printResults(&out, stats)
	require.Contains(t, out.String(), "HTTP 200")
	assert.Contains(t, out.String(), "HTTP 400")
}
