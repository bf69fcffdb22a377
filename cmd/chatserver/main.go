package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safetalk/chat-app/internal/api"
	"github.com/safetalk/chat-app/internal/config"
	"github.com/safetalk/chat-app/internal/dispatch"
	"github.com/safetalk/chat-app/internal/media"
	"github.com/safetalk/chat-app/internal/messaging"
	"github.com/safetalk/chat-app/internal/metrics"
	"github.com/safetalk/chat-app/internal/moderation"
	"github.com/safetalk/chat-app/internal/presence"
	"github.com/safetalk/chat-app/internal/protocol"
	"github.com/safetalk/chat-app/internal/ratelimit"
	"github.com/safetalk/chat-app/internal/store"
	"github.com/safetalk/chat-app/internal/typing"
	"github.com/safetalk/chat-app/internal/ws"
)

func main() {
	cfg := config.Load()

	// --- Postgres ---
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer st.Close()

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	statusStore := presence.NewStatusStore(redisClient)
	limiter := ratelimit.NewLimiter(redisClient)

	// --- NATS (optional, for multi-instance deployments) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	registry := presence.NewRegistry()
	dispatcher := dispatch.New(registry, st, natsClient)
	dispatcher.BindPresence()

	gate := moderation.NewGate(moderation.Config{
		URL:     cfg.ModerationURL,
		Timeout: cfg.ModerationTimeout,
	})

	// Typing entries that expire without an explicit stop still notify the
	// peer that typing ended.
	tracker := typing.NewTracker(typing.DefaultTimeout, func(conversationID, userID string) {
		metrics.TypingActive.Dec()
		notifyTypingPeer(st, dispatcher, conversationID, userID, false)
	})

	log.Printf("SafeTalk chat server starting")
	log.Printf("  api_addr:        %s", cfg.APIAddr)
	log.Printf("  ws_addr:         %s", cfg.WSAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  moderation_url:  %s", cfg.ModerationURL)

	// --- WebSocket server ---
	wsConfig := ws.ServerConfig{
		ListenAddr:     cfg.WSAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}

	msgDispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// typing — start/refresh or stop a typing indicator
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok || typingMsg.ConversationID == "" {
			return
		}
		userID := conn.UserID

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conv, err := st.Conversation(ctx, typingMsg.ConversationID)
		if err != nil || !conv.HasParticipant(userID) {
			return
		}

		if typingMsg.IsTyping {
			if !tracker.IsTyping(conv.ID, userID) {
				metrics.TypingActive.Inc()
			}
			tracker.SetTyping(conv.ID, userID)
		} else {
			if tracker.IsTyping(conv.ID, userID) {
				metrics.TypingActive.Dec()
			}
			tracker.Clear(conv.ID, userID)
		}
		dispatcher.NotifyTyping(conv.Peer(userID), conv.ID, userID, typingMsg.IsTyping)
	})

	// -----------------------------------------------------------------------
	// mark_read — advance delivered messages to read
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MarkReadMsg)
		if !ok || len(readMsg.MessageIDs) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		read, err := st.MarkRead(ctx, readMsg.MessageIDs, conn.UserID)
		if err != nil {
			log.Printf("mark_read from user=%s: %v", conn.UserID, err)
			return
		}
		metrics.MessagesTotal.WithLabelValues("read").Add(float64(len(read)))
		dispatcher.NotifyRead(read)
	})

	server := ws.NewServer(wsConfig, msgDispatcher.Dispatch)
	msgDispatcher.SetServer(server)

	// Connection lifecycle drives presence. Registration is
	// last-connection-wins: a newer connection for the same user evicts the
	// old one, and a stale disconnect never clobbers the newer registration.
	server.SetOnConnect(func(conn *ws.Connection) {
		// The superseded connection is evicted from the registry but left
		// open; the heartbeat reaps it if the client is really gone. Its
		// eventual close hits the stale-unregister guard below.
		registry.Register(conn.UserID, conn)
		metrics.ConnectionsTotal.Set(float64(server.Connections().Count()))
		dispatcher.BindUser(conn.UserID)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := statusStore.SetOnline(ctx, conn.UserID); err != nil {
			log.Printf("presence: set online user=%s: %v", conn.UserID, err)
		}
		go dispatcher.BroadcastPresence(context.Background(), conn.UserID, true, time.Time{})
	})

	server.SetOnDisconnect(func(conn *ws.Connection) {
		metrics.ConnectionsTotal.Set(float64(server.Connections().Count()))

		// Only the user's current connection tears presence down; a
		// superseded connection closing must not mark the user offline.
		if !registry.Unregister(conn.UserID, conn) {
			return
		}
		dispatcher.UnbindUser(conn.UserID)

		now := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := statusStore.SetOffline(ctx, conn.UserID); err != nil {
			log.Printf("presence: set offline user=%s: %v", conn.UserID, err)
		}
		go dispatcher.BroadcastPresence(context.Background(), conn.UserID, false, now)
	})

	// --- REST API ---
	apiHandler := &api.Handler{
		Store:      st,
		Gate:       gate,
		Dispatcher: dispatcher,
		Status:     statusStore,
		Limiter:    limiter,
		Uploader:   media.NewDiskUploader(cfg.UploadDir, "/uploads"),
		UploadDir:  cfg.UploadDir,
	}

	apiServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: apiHandler.Router(cfg.AllowedOrigins),
	}

	go func() {
		log.Printf("api: server listening on %s", cfg.APIAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			log.Printf("api shutdown error: %v", err)
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("ws shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// notifyTypingPeer resolves the conversation peer and relays a typing
// transition. Used by the tracker's expiry callback, which fires outside any
// request context.
func notifyTypingPeer(st *store.Store, d *dispatch.Dispatcher, conversationID, userID string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conv, err := st.Conversation(ctx, conversationID)
	if err != nil {
		log.Printf("typing: conversation %s lookup: %v", conversationID, err)
		return
	}
	if peer := conv.Peer(userID); peer != "" {
		d.NotifyTyping(peer, conversationID, userID, isTyping)
	}
}
