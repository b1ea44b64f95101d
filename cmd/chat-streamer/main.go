package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/gatherly/backend/internal/app/chat"
	"github.com/gatherly/backend/internal/app/identity"
	"github.com/gatherly/backend/internal/contracts"
	platformauth "github.com/gatherly/backend/internal/platform/auth"
	"github.com/gatherly/backend/internal/platform/config"
	"github.com/gatherly/backend/internal/platform/dbpool"
	"github.com/gatherly/backend/internal/platform/metrics"
	"github.com/gatherly/backend/internal/platform/natsutil"
	"github.com/gatherly/backend/internal/sharding"
)

// resortDelay is how long incoming chat messages are buffered before
// delivery. JetStream can hand a burst out of order; a short buffer lets
// the stream re-sort by creation time without visible lag.
const resortDelay = 150 * time.Millisecond

var userStreams = newUserStreamRegistry()
var chatStreams *chatStreamRegistry

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal(err)
	}

	tokenManager := identity.NewTokenManager(cfg.JWTSecret)

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	chatRepo := chat.NewPostgresRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, 90*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	chatStreams = newChatStreamRegistry(client.JS)

	metricsSet := metrics.New("chat-streamer")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metricsSet.Handler())

	mux.HandleFunc("/streams/chats/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		chatID := strings.TrimPrefix(r.URL.Path, "/streams/chats/")
		if chatID == "" || strings.Contains(chatID, "/") {
			http.Error(w, "chat id is required", http.StatusBadRequest)
			return
		}

		claims, ok := claimsFromRequest(w, r, tokenManager)
		if !ok {
			return
		}
		member, err := chatRepo.IsMember(r.Context(), chatID, claims.Subject)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !member {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		streamCtx, cancelStream := context.WithCancel(r.Context())
		defer cancelStream()

		// One live stream per user: a reconnect replaces the previous
		// connection instead of stacking a second one.
		streamID := nuid.Next()
		if prevCancel := userStreams.Replace(claims.Subject, streamID, cancelStream); prevCancel != nil {
			prevCancel()
		}
		defer userStreams.Release(claims.Subject, streamID)

		msgCh, unsubscribe, err := chatStreams.Subscribe(chatID)
		if err != nil {
			http.Error(w, "stream subscription failed", http.StatusInternalServerError)
			return
		}
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		send := func(eventType string, payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: %s\n", eventType)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		// Warm the stream with recent history, already sorted.
		if history, err := chatRepo.ListMessages(streamCtx, chatID, 50); err == nil {
			chat.SortMessages(history)
			send("history", history)
		}

		var pending []contracts.ChatMessage
		flush := time.NewTicker(resortDelay)
		defer flush.Stop()
		keepAlive := time.NewTicker(25 * time.Second)
		defer keepAlive.Stop()

		for {
			select {
			case <-streamCtx.Done():
				return
			case msg := <-msgCh:
				pending = append(pending, msg)
			case <-flush.C:
				if len(pending) == 0 {
					continue
				}
				chat.SortMessages(pending)
				send("messages", pending)
				pending = nil
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("/streams/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		claims, ok := claimsFromRequest(w, r, tokenManager)
		if !ok {
			return
		}
		userStreams.Cancel(claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:              cfg.StreamerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Keep WriteTimeout unset for long-lived SSE streams.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("Chat streamer listening on %s\n", cfg.StreamerAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("chat-streamer graceful shutdown failed: %v", err)
	}
}

func claimsFromRequest(w http.ResponseWriter, r *http.Request, tokenManager platformauth.Manager) (platformauth.Claims, bool) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		// EventSource cannot set headers, so the token may ride the query.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	claims, err := tokenManager.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	return claims, true
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

type userStreamLease struct {
	id     string
	cancel context.CancelFunc
}

type userStreamRegistry struct {
	mu     sync.Mutex
	byUser map[string]userStreamLease
}

func newUserStreamRegistry() *userStreamRegistry {
	return &userStreamRegistry{byUser: make(map[string]userStreamLease)}
}

func (r *userStreamRegistry) Replace(userID, streamID string, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prevCancel context.CancelFunc
	if current, ok := r.byUser[userID]; ok {
		prevCancel = current.cancel
	}
	r.byUser[userID] = userStreamLease{id: streamID, cancel: cancel}
	return prevCancel
}

func (r *userStreamRegistry) Release(userID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[userID]
	if !ok || current.id != streamID {
		return
	}
	delete(r.byUser, userID)
}

func (r *userStreamRegistry) Cancel(userID string) {
	r.mu.Lock()
	lease, ok := r.byUser[userID]
	if ok {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	if ok && lease.cancel != nil {
		lease.cancel()
	}
}

// chatStreamRegistry shares one JetStream subscription per chat among
// all connected viewers of that chat.
type chatStreamRegistry struct {
	mu     sync.Mutex
	js     nats.JetStreamContext
	byChat map[string]*chatStream
}

type chatStream struct {
	chatID string
	js     nats.JetStreamContext

	mu          sync.Mutex
	sub         *nats.Subscription
	subscribers map[string]chan contracts.ChatMessage
	nextID      uint64
}

func newChatStreamRegistry(js nats.JetStreamContext) *chatStreamRegistry {
	return &chatStreamRegistry{
		js:     js,
		byChat: map[string]*chatStream{},
	}
}

func (r *chatStreamRegistry) Subscribe(chatID string) (<-chan contracts.ChatMessage, func(), error) {
	r.mu.Lock()
	stream, ok := r.byChat[chatID]
	if !ok {
		stream = &chatStream{
			chatID:      chatID,
			js:          r.js,
			subscribers: map[string]chan contracts.ChatMessage{},
		}
		r.byChat[chatID] = stream
	}
	r.mu.Unlock()

	subID, ch, err := stream.addSubscriber()
	if err != nil {
		return nil, nil, err
	}

	unsubscribe := func() {
		if !stream.removeSubscriber(subID) {
			return
		}
		r.mu.Lock()
		if current, ok := r.byChat[chatID]; ok && current == stream {
			delete(r.byChat, chatID)
		}
		r.mu.Unlock()
	}

	return ch, unsubscribe, nil
}

func (s *chatStream) addSubscriber() (string, chan contracts.ChatMessage, error) {
	ch := make(chan contracts.ChatMessage, 64)

	s.mu.Lock()
	s.nextID++
	subID := fmt.Sprintf("%s-%d", s.chatID, s.nextID)
	s.subscribers[subID] = ch
	s.mu.Unlock()

	if err := s.ensureSubscription(); err != nil {
		s.mu.Lock()
		delete(s.subscribers, subID)
		s.mu.Unlock()
		return "", nil, err
	}
	return subID, ch, nil
}

func (s *chatStream) removeSubscriber(subID string) bool {
	var (
		shouldStop bool
		sub        *nats.Subscription
	)

	s.mu.Lock()
	delete(s.subscribers, subID)
	if len(s.subscribers) == 0 {
		shouldStop = true
		sub = s.sub
		s.sub = nil
	}
	s.mu.Unlock()

	if shouldStop && sub != nil {
		_ = sub.Unsubscribe()
	}
	return shouldStop
}

func (s *chatStream) ensureSubscription() error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.js == nil {
		return errors.New("jetstream is not configured")
	}

	sub, err := s.js.Subscribe(sharding.ChatSubject(s.chatID), func(msg *nats.Msg) {
		var m contracts.ChatMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return
		}
		s.broadcast(m)
	}, nats.DeliverNew())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *chatStream) broadcast(msg contracts.ChatMessage) {
	s.mu.Lock()
	subs := make([]chan contracts.ChatMessage, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
