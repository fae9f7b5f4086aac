// Local stand-in for a payment provider's REST API. Point the engine at it
// with MOCK_API_URL to exercise retries and the circuit breaker against a
// real HTTP server.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dantweb/vbwd-sdk-sub001/internal/observability"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider/mockpay"
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	latency := flag.Duration("latency", 50*time.Millisecond, "average response latency")
	jitter := flag.Duration("jitter", 20*time.Millisecond, "latency jitter (+/-)")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := observability.NewLogger(os.Stdout, "text", *logLevel)

	sandbox := mockpay.NewSandbox(mockpay.NewAPI(), mockpay.SandboxOptions{
		FailRate: *failRate,
		Latency:  *latency,
		Jitter:   *jitter,
	})

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if s := sandbox.Stats(); s.Requests > 0 {
				logger.Info("sandbox stats",
					"requests", s.Requests,
					"failures", s.Failures,
					"rate_per_sec", float64(s.Requests)/5.0,
				)
			}
		}
	}()

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("mock provider sandbox listening", "addr", addr, "fail_rate", *failRate, "latency", *latency)

	server := &http.Server{
		Addr:              addr,
		Handler:           observability.LoggingMiddleware(logger)(sandbox.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("sandbox server error", "error", err)
		os.Exit(1)
	}
}
