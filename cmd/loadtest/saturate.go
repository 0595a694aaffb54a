package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/intelboard/chatguard/internal/loadtest"
)

// runSaturate opens connections at a steady rate up to a target, then holds
// them while reporting drops. It finds the connection capacity of a gateway.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket gateway URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	secret := fs.String("secret", "", "JWT signing secret (defaults to JWT_SECRET)")
	issuer := fs.String("issuer", "", "JWT issuer")
	fs.Parse(args)

	m, err := newMinter(*secret, *issuer, *rampUp+*hold+time.Hour)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	var mu sync.Mutex
	clients := make([]*loadtest.Client, 0, *connections)
	var dropped atomic.Int64

	fmt.Println("\n--- Ramp-up phase ---")
	stopProgress := progress(collector, *connections)

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)

	interrupted := false
ramp:
	for i := 0; i < *connections; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break ramp
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := connect(ctx, m, *url, userID(i))
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()

			go func() {
				select {
				case <-c.Done():
					if ctx.Err() == nil {
						dropped.Add(1)
					}
				case <-ctx.Done():
				}
			}()
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	stopProgress()

	if !interrupted {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)
		select {
		case <-time.After(*hold):
		case <-ctx.Done():
			fmt.Println("Interrupted during hold.")
		}
	}

	fmt.Printf("Dropped during test: %d\n", dropped.Load())
	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	collector.Report(os.Stdout)
}

// connect dials as uid and waits for the connected frame.
func connect(ctx context.Context, m *minter, url, uid string) (*loadtest.Client, error) {
	token, err := m.token(uid)
	if err != nil {
		return nil, err
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := loadtest.Dial(connCtx, url, token)
	if err != nil {
		return nil, err
	}
	if err := c.WaitConnected(connCtx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// progress prints the connection count once a second until the returned
// func is called.
func progress(collector *loadtest.Collector, target int) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastTime := 0, time.Now()
		for {
			select {
			case now := <-ticker.C:
				conns := collector.ConnectionCount()
				rate := float64(conns-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, target, collector.ErrorCount(), rate)
				last, lastTime = conns, now
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
