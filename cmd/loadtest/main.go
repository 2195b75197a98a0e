package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/parley/pkg/client"
	"github.com/aeolun/parley/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(strings.ToLower(loremIpsum)))

// generateUsername combines two lorem fragments with the bot id and a run
// prefix so repeated runs against the same data directory do not collide
func generateUsername(run string, id int) string {
	frag := func() string {
		w := loremWords[rand.Intn(len(loremWords))]
		if len(w) > 5 {
			w = w[:3+rand.Intn(3)]
		}
		return w
	}
	name := fmt.Sprintf("%s%s_%s_%d", frag(), frag(), run, id)
	if len(name) > 32 {
		name = name[len(name)-32:]
	}
	return name
}

func randomContent() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	pushesReceived    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	postFailures   atomic.Int64
	fetchFailures  atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordError(err error) {
	s.messagesFailed.Add(1)
	switch {
	case isResponseError(err):
		s.postFailures.Add(1)
	case strings.Contains(err.Error(), "timeout"):
		s.timeouts.Add(1)
	default:
		s.disconnections.Add(1)
	}
}

func isResponseError(err error) bool {
	_, ok := err.(*client.ResponseError)
	return ok
}

func (s *Stats) snapshot() (posted, failed, pushes, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	pushes = s.pushesReceived.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// BotClient is a scripted user for load testing
type BotClient struct {
	id       int
	username string
	password string
	conn     *client.Connection
	stats    *Stats
	chats    []string
}

func NewBotClient(id int, run, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	bc := &BotClient{
		id:       id,
		username: generateUsername(run, id),
		password: fmt.Sprintf("loadtest-%d", rand.Int63()),
		conn:     conn,
		stats:    stats,
	}
	conn.SetPushHandler(bc.countPush)
	return bc, nil
}

// Connect registers and logs in
func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		return err
	}
	if err := bc.conn.Register(bc.username, bc.password, ""); err != nil {
		return err
	}
	_, err := bc.conn.Login(bc.username, bc.password)
	return err
}

// Setup opens a private chat with peer and picks up every chat the bot is in
func (bc *BotClient) Setup(peer string) error {
	if peer != "" && peer != bc.username {
		if _, err := bc.conn.CreateChat("private", []string{peer}, nil); err != nil {
			return err
		}
	}
	return bc.FetchChats()
}

func (bc *BotClient) FetchChats() error {
	chats, err := bc.conn.Chats()
	if err != nil {
		bc.stats.fetchFailures.Add(1)
		return err
	}
	bc.chats = bc.chats[:0]
	for _, c := range chats {
		bc.chats = append(bc.chats, c.ChatID)
	}
	return nil
}

func (bc *BotClient) PostRandomMessage() error {
	if len(bc.chats) == 0 {
		return fmt.Errorf("bot %d has no chats", bc.id)
	}
	chatID := bc.chats[rand.Intn(len(bc.chats))]

	start := time.Now()
	if err := bc.conn.SendChatMessage(chatID, randomContent()); err != nil {
		bc.stats.recordError(err)
		return err
	}
	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

// idle waits d; it returns false if stop was closed
func idle(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

func (bc *BotClient) countPush(msg *client.Message) {
	if msg.Type == protocol.TypeMessage {
		bc.stats.pushesReceived.Add(1)
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, stop <-chan struct{}) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		_ = bc.PostRandomMessage()

		// Pick up group chats created after setup
		if iteration%10 == 0 {
			_ = bc.FetchChats()
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		if !idle(delay, stop) {
			_ = bc.conn.Logout()
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	_ = bc.conn.Logout()
}

func main() {
	serverAddr := flag.String("server", "localhost:8888", "Server address (host:port, ws://, wss:// or ssh://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	groupSize := flag.Int("group-size", 5, "Participants per group chat (0 disables group chats)")
	flag.Parse()

	if *numClients < 1 {
		log.Fatal("clients must be at least 1")
	}

	run := fmt.Sprintf("%x", time.Now().Unix()&0xffffff)

	// Ramp up over 25% of test duration
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
	log.Printf("")

	stats := &Stats{}

	// Every bot must exist before chats can name it
	bots := make([]*BotClient, *numClients)
	var connectWg sync.WaitGroup
	for i := range bots {
		connectWg.Add(1)
		go func(id int) {
			defer connectWg.Done()

			bot, err := NewBotClient(id, run, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(); err != nil {
				log.Printf("[Bot %d] Connect failed: %v", id, err)
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}
			bots[id] = bot

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}
		}(i)
		time.Sleep(staggerDelay)
	}
	connectWg.Wait()

	var live []*BotClient
	for _, bot := range bots {
		if bot != nil {
			live = append(live, bot)
		}
	}
	if len(live) == 0 {
		log.Fatal("No bots connected")
	}

	// Group chats over consecutive bots, admin is the first member
	if *groupSize > 1 {
		for start := 0; start+1 < len(live); start += *groupSize {
			end := start + *groupSize
			if end > len(live) {
				end = len(live)
			}
			var members []string
			for _, bot := range live[start+1 : end] {
				members = append(members, bot.username)
			}
			name := fmt.Sprintf("load %s %d", run, start / *groupSize)
			if _, err := live[start].conn.CreateChat("group", members, &name); err != nil {
				log.Printf("Failed to create group %q: %v", name, err)
			}
		}
	}

	for i, bot := range live {
		peer := live[(i+1)%len(live)].username
		if err := bot.Setup(peer); err != nil {
			log.Printf("[Bot %d] Setup failed: %v", bot.id, err)
		}
	}

	stopBots := make(chan struct{})
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, pushes, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d pushes, %d failed, %d conn errors, avg %.2fms",
					posted, float64(posted)/elapsed, pushes, failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		close(stopBots)
	}()

	startTime := time.Now()
	var wg sync.WaitGroup
	for i, bot := range live {
		wg.Add(1)
		shutdownDelay := staggerDelay * time.Duration(len(live)-i-1)
		go func(bot *BotClient, shutdownDelay time.Duration) {
			defer wg.Done()
			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stopBots)
		}(bot, shutdownDelay)
	}
	wg.Wait()
	close(stopStats)

	posted, failed, pushes, connErrors, avgUs := stats.snapshot()
	totalDuration := time.Since(startTime)
	rate := float64(posted) / totalDuration.Seconds()

	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(*duration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(len(live))

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", totalDuration.Round(time.Millisecond))
	log.Printf("Bots connected: %d of %d", len(live), *numClients)
	log.Printf("Messages posted: %d (%.1f/s)", posted, rate)
	log.Printf("Message pushes received: %d", pushes)
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Rejected: %d", stats.postFailures.Load())
	log.Printf("  - Fetch failures: %d", stats.fetchFailures.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average response time: %.2fms", avgUs/1000.0)
	if expectedTotal > 0 {
		log.Printf("Actual vs expected: %.1f%% efficiency", float64(posted)/expectedTotal*100)
	}
	if posted > 0 {
		log.Printf("Success rate: %.1f%%", float64(posted)/float64(posted+failed)*100)
	}
}
