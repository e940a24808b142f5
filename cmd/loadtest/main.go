package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/presence"
	"github.com/aeolun/relaychat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

const requestTimeout = 10 * time.Second

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

func randomText(minWords, maxWords int) string {
	n := minWords + rand.Intn(maxWords-minWords+1)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	requestsOK        atomic.Int64
	requestsFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64 // clients that logged in and started running

	// Traffic breakdown
	directSent      atomic.Int64 // delivered now or queued for an offline peer
	directRefused   atomic.Int64 // USER_BLOCKED and friends
	broadcastsSent  atomic.Int64
	broadcastFanout atomic.Int64
	eventsReceived  atomic.Int64
	eventsDropped   atomic.Int64

	// Failure breakdown
	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Connect phase failure breakdown
	connectDialFailed    atomic.Int64
	connectLoginFailed   atomic.Int64
	connectLoginRejected atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.requestsOK.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure(err error) {
	s.requestsFailed.Add(1)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.timeouts.Add(1)
	case errors.Is(err, client.ErrClosed), errors.Is(err, io.EOF):
		s.disconnections.Add(1)
	}
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) snapshot() (ok, failed, connErrors int64, avgResponseUs float64) {
	ok = s.requestsOK.Load()
	failed = s.requestsFailed.Load()
	connErrors = s.connectionErrors.Load()

	if ok > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(ok)
	}

	return
}

// BotClient is one scripted account driving traffic at the server
type BotClient struct {
	id      int
	account presence.Credential
	peers   []string
	conn    *client.Client
	stats   *Stats
	opts    client.DialOptions
	addr    string
}

func NewBotClient(id int, serverAddr string, account presence.Credential, peers []string, opts client.DialOptions, stats *Stats) *BotClient {
	return &BotClient{
		id:      id,
		account: account,
		peers:   peers,
		stats:   stats,
		opts:    opts,
		addr:    serverAddr,
	}
}

// Connect dials the server and logs in
func (bc *BotClient) Connect() error {
	conn, err := client.Dial(bc.addr, bc.opts)
	if err != nil {
		bc.stats.connectDialFailed.Add(1)
		return fmt.Errorf("dial: %w", err)
	}
	bc.conn = conn
	bc.conn.SetLogger(debugLogger)

	go bc.drainEvents()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	status, err := bc.conn.Login(ctx, bc.account.Username, bc.account.Password)
	if err != nil {
		bc.stats.connectLoginFailed.Add(1)
		return fmt.Errorf("login: %w", err)
	}
	if status != protocol.StatusSuccess {
		bc.stats.connectLoginRejected.Add(1)
		return fmt.Errorf("login rejected: %s", status)
	}
	return nil
}

func (bc *BotClient) drainEvents() {
	for ev := range bc.conn.Events() {
		bc.stats.eventsReceived.Add(1)
		debugLogger.Printf("[Bot %d] event %s from %s", bc.id, ev.Action, ev.From)
	}
}

// SendDirect messages a random peer
func (bc *BotClient) SendDirect() error {
	if len(bc.peers) == 0 {
		return nil
	}
	peer := bc.peers[rand.Intn(len(bc.peers))]

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	start := time.Now()
	status, err := bc.conn.Message(ctx, peer, randomText(3, 15))
	if err != nil {
		bc.stats.recordFailure(err)
		return err
	}
	bc.stats.recordSuccess(time.Since(start).Microseconds())

	if status != protocol.StatusSuccess {
		bc.stats.directRefused.Add(1)
		debugLogger.Printf("[Bot %d] message to %s refused: %s", bc.id, peer, status)
		return nil
	}
	bc.stats.directSent.Add(1)
	return nil
}

// SendBroadcast broadcasts to everyone online
func (bc *BotClient) SendBroadcast() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	start := time.Now()
	result, err := bc.conn.Broadcast(ctx, randomText(5, 25))
	if err != nil {
		bc.stats.recordFailure(err)
		return err
	}
	bc.stats.recordSuccess(time.Since(start).Microseconds())
	bc.stats.broadcastsSent.Add(1)
	bc.stats.broadcastFanout.Add(int64(result.Sent))
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, broadcastRatio float64, shutdownDelay time.Duration, disconnectTimes chan<- time.Time) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		bc.conn.Logout(ctx)
		cancel()
		bc.conn.Close()
		bc.stats.eventsDropped.Add(bc.conn.DroppedEvents())

		select {
		case disconnectTimes <- time.Now():
		default:
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		var err error
		if rand.Float64() < broadcastRatio {
			err = bc.SendBroadcast()
		} else {
			err = bc.SendDirect()
		}
		if err != nil {
			select {
			case <-bc.conn.Done():
				log.Printf("[Bot %d] connection lost: %v", bc.id, bc.conn.Err())
				return
			default:
			}
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

// writeBotCredentials generates a credentials file the server can load
func writeBotCredentials(path string, n int) error {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "bot%04d %s\n", i, randomPassword())
	}
	return os.WriteFile(path, []byte(b.String()), 0600)
}

func randomPassword() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 12)
	for i := range buf {
		buf[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(buf)
}

var debugLogger *log.Logger

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:6465", "Server address (tcp://, ssh://user@, ws:// or host:port)")
	credentialsPath := flag.String("credentials", "credentials.txt", "Credentials file with plain-text passwords")
	writeCreds := flag.Int("write-credentials", 0, "Generate this many bot accounts into -credentials and exit")
	numClients := flag.Int("clients", 10, "Number of concurrent clients (capped at the account count)")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between requests")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between requests")
	broadcastRatio := flag.Float64("broadcast-ratio", 0.1, "Fraction of requests that are broadcasts")
	insecure := flag.Bool("insecure", false, "Skip SSH host key verification")
	flag.Parse()

	if *writeCreds > 0 {
		if err := writeBotCredentials(*credentialsPath, *writeCreds); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write credentials: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %d bot accounts to %s\n", *writeCreds, *credentialsPath)
		return
	}

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	accounts, err := presence.LoadCredentialsFile(*credentialsPath)
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	if len(accounts) == 0 {
		log.Fatalf("No accounts in %s", *credentialsPath)
	}
	if *numClients > len(accounts) {
		log.Printf("Only %d accounts available, reducing clients from %d", len(accounts), *numClients)
		*numClients = len(accounts)
	}

	// Everyone gets messaged, online or not, so offline queueing is exercised too
	usernames := make([]string, len(accounts))
	for i, acct := range accounts {
		usernames[i] = acct.Username
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("  Broadcast ratio: %.2f", *broadcastRatio)
	log.Printf("")

	opts := client.DialOptions{InsecureIgnoreHostKey: *insecure}
	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				ok, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(ok) / elapsed
				avgMs := avgUs / 1000.0

				log.Printf("Stats: %d ok (%.1f/s), %d failed, %d conn errors, %d events in, avg %.2fms, load %.2f, goroutines %d",
					ok, rate, failed, connErrors, stats.eventsReceived.Load(), avgMs, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	rampUpStart := time.Now()
	var firstConnectTime, lastConnectTime atomic.Value
	connectTimes := make(chan time.Time, *numClients)
	disconnectTimes := make(chan time.Time, *numClients)

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		peers := make([]string, 0, len(usernames)-1)
		for _, name := range usernames {
			if name != accounts[i].Username {
				peers = append(peers, name)
			}
		}

		go func(id int, account presence.Credential, peers []string, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, *serverAddr, account, peers, opts, stats)
			if err := bot.Connect(); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("[Bot %d] connect failed: %v", id, err)
				if bot.conn != nil {
					bot.conn.Close()
				}
				return
			}

			stats.successfulClients.Add(1)
			select {
			case connectTimes <- time.Now():
			default:
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, account.Username)
			}

			bot.Run(*duration, *minDelay, *maxDelay, *broadcastRatio, shutdownDelay, disconnectTimes)
		}(i, accounts[i], peers, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	go func() {
		for t := range connectTimes {
			if firstConnectTime.Load() == nil {
				firstConnectTime.Store(t)
			}
			lastConnectTime.Store(t)
		}
	}()

	var lastDisconnectTime atomic.Value
	go func() {
		for t := range disconnectTimes {
			lastDisconnectTime.Store(t)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping test...")
		stop()
	}()

	wg.Wait()
	stop()
	close(connectTimes)
	close(disconnectTimes)

	first, haveFirst := firstConnectTime.Load().(time.Time)
	last, haveLast := lastConnectTime.Load().(time.Time)
	if haveFirst && haveLast {
		log.Printf("\nRamp-up: expected %v, took %v (first: %v, last: %v)",
			rampUpDuration.Round(time.Second), last.Sub(first).Round(time.Second),
			first.Sub(rampUpStart).Round(time.Millisecond), last.Sub(rampUpStart).Round(time.Millisecond))

		if end, ok := lastDisconnectTime.Load().(time.Time); ok {
			log.Printf("Total test duration: %v (expected: ~%v)",
				end.Sub(first).Round(time.Second), (*duration + rampUpDuration).Round(time.Second))
		}
	}

	ok, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	rate := float64(ok) / duration.Seconds()

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Requests ok: %d (%.1f/s)", ok, rate)
	log.Printf("  - Direct accepted: %d", stats.directSent.Load())
	log.Printf("  - Direct refused: %d", stats.directRefused.Load())
	log.Printf("  - Broadcasts: %d (fanout %d)", stats.broadcastsSent.Load(), stats.broadcastFanout.Load())
	log.Printf("Requests failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Dial failed: %d", stats.connectDialFailed.Load())
		log.Printf("  - Login failed: %d", stats.connectLoginFailed.Load())
		log.Printf("  - Login rejected: %d", stats.connectLoginRejected.Load())
	}
	log.Printf("Events received: %d (%d dropped client-side)", stats.eventsReceived.Load(), stats.eventsDropped.Load())
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if ok+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(ok)/float64(ok+failed)*100)
	}
}
