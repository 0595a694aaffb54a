package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/intelboard/chatguard/internal/loadtest"
	"github.com/intelboard/chatguard/internal/protocol"
)

// runChat connects users to shared rooms and has each send at a fixed
// interval. It measures send acknowledgement latency, live fan-out and how
// many sends the server rejects, e.g. by rate limiting.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket gateway URL")
	apiURL := fs.String("api-url", "http://localhost:8080", "HTTP API base URL, used to create rooms")
	admin := fs.String("admin", "", "Admin user id; when set, rooms are created before the test")
	users := fs.Int("users", 100, "Number of simulated users")
	roomSize := fs.Int("room-size", 10, "Users per room")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long users chat")
	msgInterval := fs.Duration("msg-interval", 6*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 64, "Size of each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	secret := fs.String("secret", "", "JWT signing secret (defaults to JWT_SECRET)")
	issuer := fs.String("issuer", "", "JWT issuer")
	fs.Parse(args)

	m, err := newMinter(*secret, *issuer, *rampUp+*duration+time.Hour)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *roomSize <= 0 {
		*roomSize = 1
	}
	rooms := (*users + *roomSize - 1) / *roomSize

	fmt.Printf("Chat test: %d users in %d rooms on %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*users, rooms, *url, *rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *admin != "" {
		token, err := m.token(*admin)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		for r := 0; r < rooms; r++ {
			if err := createRoom(ctx, *apiURL, token, roomID(r)); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		}
	}

	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// --- Phase 1: connect and join ---
	fmt.Println("\n--- Phase 1: Connect and join ---")
	stopProgress := progress(collector, *users)

	var mu sync.Mutex
	type member struct {
		c    *loadtest.Client
		room string
	}
	members := make([]member, 0, *users)

	interval := *rampUp / time.Duration(*users)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
ramp:
	for i := 0; i < *users; i++ {
		select {
		case <-ctx.Done():
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
			observe(c, collector)

			room := roomID(i / *roomSize)
			if err := c.Join(room, 0); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			mu.Lock()
			members = append(members, member{c: c, room: room})
			mu.Unlock()
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	stopProgress()

	// --- Phase 2: chat ---
	if ctx.Err() == nil {
		fmt.Printf("\n--- Phase 2: Chat (%s) ---\n", *duration)
		chatCtx, cancel := context.WithTimeout(ctx, *duration)
		payload := strings.Repeat("x", *msgSize)

		var chatWg sync.WaitGroup
		for _, mb := range members {
			chatWg.Add(1)
			go func(mb member) {
				defer chatWg.Done()
				t := time.NewTicker(*msgInterval)
				defer t.Stop()
				for {
					select {
					case <-chatCtx.Done():
						return
					case <-mb.c.Done():
						return
					case <-t.C:
						if _, err := mb.c.Say(mb.room, payload); err != nil {
							collector.AddError()
							return
						}
					}
				}
			}(mb)
		}
		chatWg.Wait()
		cancel()
	}

	// Let the last acks arrive.
	time.Sleep(500 * time.Millisecond)
	for _, mb := range members {
		mb.c.Close()
	}
	scraper.Stop()
	collector.Report(os.Stdout)
}

func roomID(i int) string {
	return fmt.Sprintf("loadtest-room-%d", i)
}

// observe feeds c's server frames into collector.
func observe(c *loadtest.Client, collector *loadtest.Collector) {
	c.On(protocol.TypeSent, func(raw json.RawMessage) {
		var msg protocol.SentMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		if d, ok := c.Ack(msg.Ref); ok {
			collector.AddAck(d)
		}
	})
	c.On(protocol.TypeMessage, func(raw json.RawMessage) {
		var msg protocol.ServerChatMsg
		if json.Unmarshal(raw, &msg) == nil && msg.From != c.UserID() {
			collector.AddDelivery()
		}
	})
	c.On(protocol.TypeError, func(raw json.RawMessage) {
		var msg protocol.ErrorMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		c.Ack(msg.Ref)
		collector.AddRejected(msg.Code)
	})
}
