package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/vibespeak/vibespeak/internal/crypto"
	"github.com/vibespeak/vibespeak/internal/floor"
	"github.com/vibespeak/vibespeak/internal/relay"
	"github.com/vibespeak/vibespeak/internal/signaling"
	"github.com/vibespeak/vibespeak/internal/testbot"
	"github.com/vibespeak/vibespeak/internal/token"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	voicePort := flag.String("voice-port", ":9988", "UDP voice relay listen address")
	wsPort := flag.String("ws-port", ":8443", "HTTPS/WebSocket signaling listen address")
	apiPort := flag.String("api-port", ":8080", "REST API listen address (empty to disable)")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "HTTP idle timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	testUser := flag.String("test-user", "", "name for a virtual voice client that emits scripted silence frames (empty to disable)")
	testChannel := flag.String("test-channel", "smoke-test", "channel the virtual test client joins")
	flag.Parse()

	nodeEnv := os.Getenv("NODE_ENV")
	production := nodeEnv == "production"

	logLevel := parseLogLevel(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	masterKey, err := loadMasterKey(production)
	if err != nil {
		log.Fatalf("[crypto] %v", err)
	}
	cryptoCore, err := crypto.New(masterKey)
	if err != nil {
		log.Fatalf("[crypto] %v", err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		if production {
			log.Fatalf("[token] JWT_SECRET is required in production")
		}
		jwtSecret = "dev-only-insecure-secret-do-not-use-in-prod!!"
		log.Printf("[token] JWT_SECRET not set, using an insecure development default")
	} else if len(jwtSecret) < 32 {
		log.Fatalf("[token] JWT_SECRET must be at least 32 characters")
	}
	tokenSvc := token.New(jwtSecret, os.Getenv("JWT_SECRET_PREVIOUS"))

	floorCtl := floor.New()

	var allowedOrigins []string
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	hub := signaling.New(tokenSvc, floorCtl, allowedOrigins, slog.Default())

	udpAddr, err := net.ResolveUDPAddr("udp", *voicePort)
	if err != nil {
		log.Fatalf("[relay] resolve %s: %v", *voicePort, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Fatalf("[relay] listen %s: %v", *voicePort, err)
	}
	voiceRelay := relay.New(udpConn, cryptoCore, slog.Default())

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*wsPort); err == nil && host != "" {
		tlsHostname = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
		close(stop)
	}()

	go func() {
		if err := voiceRelay.Run(stop); err != nil {
			log.Printf("[relay] %v", err)
		}
	}()
	log.Printf("[relay] listening on udp %s", *voicePort)

	if *testUser != "" {
		go runTestBot(ctx, *voicePort, *testUser, *testChannel, cryptoCore)
	}

	go RunMetrics(ctx, voiceRelay, hub, floorCtl, 5*time.Second)
	go runTokenRotationSweep(ctx, tokenSvc, time.Hour)

	if *apiPort != "" {
		api := NewAPIServer(voiceRelay, hub, floorCtl)
		go api.Run(ctx, *apiPort)
		log.Printf("[api] listening on %s", *apiPort)
	}

	wsServer, err := NewWSServer(*wsPort, tlsHostname, *certValidity, hub, *idleTimeout)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", wsServer.Fingerprint())
	if err := wsServer.Run(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}
}

// runTestBot drives a synthetic voice client against the relay's own UDP
// port, for operators smoke-testing a deployment without a real client.
// Grounded on the teacher's flag-gated virtual-client idiom (testbot.go's
// RunTestBot), adapted from a 440 Hz tone loop to scripted silence frames.
func runTestBot(ctx context.Context, voiceAddr, username, channel string, core *crypto.Core) {
	dialAddr := voiceAddr
	if dialAddr[0] == ':' {
		dialAddr = "127.0.0.1" + dialAddr
	}
	id := testbot.NewClientID()
	bot, err := testbot.Dial(dialAddr, id)
	if err != nil {
		log.Printf("[testbot] dial: %v", err)
		return
	}
	defer bot.Close()

	if err := bot.Hello(username); err != nil {
		log.Printf("[testbot] hello: %v", err)
		return
	}
	if err := bot.Join(channel); err != nil {
		log.Printf("[testbot] join: %v", err)
		return
	}
	log.Printf("[testbot] %q joined %q", username, channel)

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := bot.RunSequence(core, seq, 50, nil); err != nil {
			log.Printf("[testbot] send: %v", err)
			return
		}
		seq += 50
	}
}

// runTokenRotationSweep checks the token service for an overdue rotation
// every interval, mirroring the relay's own key-rotation sweep (spec §4.4,
// §4.7's "automatically when the newest secret is older than 24h").
func runTokenRotationSweep(ctx context.Context, svc *token.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if svc.MaybeRotate() {
				log.Printf("[token] rotated secret")
			}
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadMasterKey reads VOICE_MASTER_KEY (64 hex chars) from the environment,
// generating and warning on a random one outside production.
func loadMasterKey(production bool) ([]byte, error) {
	raw := os.Getenv("VOICE_MASTER_KEY")
	if raw == "" {
		if production {
			log.Fatalf("[crypto] VOICE_MASTER_KEY is required in production")
		}
		key, err := crypto.RandomMasterKey()
		if err != nil {
			return nil, err
		}
		log.Printf("[crypto] VOICE_MASTER_KEY not set, generated an ephemeral key for this run")
		return key, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != crypto.MasterKeyLen {
		log.Fatalf("[crypto] VOICE_MASTER_KEY must be %d hex-decoded bytes", crypto.MasterKeyLen)
	}
	return key, nil
}
