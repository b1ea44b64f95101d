package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type config struct {
	FeedAPIBase             string
	StreamerBase            string
	Users                   int
	SetupConcurrency        int
	StartupWait             time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	RequestTimeout          time.Duration
	MetricsAddr             string
	Password                string
	EnableSSE               bool
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

type createdEvent struct {
	ID string `json:"ID"`
}

type simulatedUser struct {
	Index       int
	Username    string
	Password    string
	AccessToken string
	UserID      string

	mu     sync.Mutex
	events []string
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client
	sseClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeVUs       atomic.Int64
	activeSSE       atomic.Int64
}

var (
	registry = prometheus.NewRegistry()

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatherly_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatherly_loadgen_actions_total",
		Help: "User actions executed by load generator.",
	}, []string{"action", "outcome"})

	virtualUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatherly_loadgen_virtual_users",
		Help: "Current number of active virtual users sending actions.",
	})

	sseConnectedUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatherly_loadgen_sse_connected_users",
		Help: "Current number of load-generated users with active chat streams.",
	})
)

func init() {
	registry.MustRegister(requestsTotal, actionsTotal, virtualUsersGauge, sseConnectedUsersGauge)
}

func main() {
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
	}
	if cfg.SetupConcurrency <= 0 {
		log.Fatal("LOADGEN_SETUP_CONCURRENCY must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	transport := &http.Transport{
		MaxIdleConns:        cfg.Users * 4,
		MaxIdleConnsPerHost: cfg.Users * 4,
		IdleConnTimeout:     90 * time.Second,
	}

	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		apiClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		sseClient: &http.Client{
			Transport: transport,
		},
	}

	if err := r.waitForDependencies(ctx); err != nil {
		log.Fatalf("dependency readiness failed: %v", err)
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		log.Fatal("failed to initialize any users")
	}
	log.Printf("load generator initialized: users=%d duration=%s sse=%v rate_per_user=%.2f req/s",
		len(users), cfg.Duration.String(), cfg.EnableSSE, cfg.ActionsPerUserPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for idx := range users {
		user := users[idx]
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			r.runUser(ctx, u)
		}(user)
	}

	<-ctx.Done()
	wg.Wait()

	log.Printf("load test complete: success_requests=%d error_requests=%d",
		r.requestsSuccess.Load(), r.requestsError.Load())
}

func loadConfig() config {
	return config{
		FeedAPIBase:             trimRightSlash(stringEnv("LOADGEN_FEED_API_BASE", "http://feed-api:8080")),
		StreamerBase:            trimRightSlash(stringEnv("LOADGEN_STREAMER_BASE", "http://chat-streamer:8081")),
		Users:                   intEnv("LOADGEN_USERS", 200),
		SetupConcurrency:        intEnv("LOADGEN_SETUP_CONCURRENCY", 25),
		StartupWait:             durationEnv("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                durationEnv("LOADGEN_DURATION", 10*time.Minute),
		RampUp:                  durationEnv("LOADGEN_RAMP_UP", 30*time.Second),
		ActionsPerUserPerSecond: floatEnv("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.3),
		RequestTimeout:          durationEnv("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             stringEnv("LOADGEN_METRICS_ADDR", ":9099"),
		Password:                stringEnv("LOADGEN_PASSWORD", "load-test-pass-123"),
		EnableSSE:               boolEnv("LOADGEN_ENABLE_SSE", true),
	}
}

func (r *runner) waitForDependencies(ctx context.Context) error {
	wait := r.cfg.StartupWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}

	if err := r.waitForHTTPStatus(ctx, r.cfg.FeedAPIBase+"/readyz", http.StatusOK, wait); err != nil {
		return fmt.Errorf("feed-api not ready: %w", err)
	}
	if r.cfg.EnableSSE {
		if err := r.waitForHTTPStatus(ctx, r.cfg.StreamerBase+"/readyz", http.StatusOK, wait); err != nil {
			return fmt.Errorf("chat-streamer not ready: %w", err)
		}
	}
	return nil
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.apiClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	type setupResult struct {
		user *simulatedUser
		err  error
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	results := make(chan setupResult, r.cfg.Users)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Users; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			user, err := r.setupSingleUser(ctx, idx)
			results <- setupResult{user: user, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	users := make([]*simulatedUser, 0, r.cfg.Users)
	failures := 0
	for result := range results {
		if result.err != nil {
			failures++
			log.Printf("user setup failed: %v", result.err)
			continue
		}
		users = append(users, result.user)
	}
	log.Printf("user setup complete: success=%d failed=%d", len(users), failures)
	return users
}

func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	user := &simulatedUser{
		Index:    idx,
		Username: fmt.Sprintf("load-%s-%04d", r.runID, idx),
		Password: r.cfg.Password,
	}

	var auth authResponse
	status, err := r.requestJSON(ctx, "register", http.MethodPost, r.cfg.FeedAPIBase+"/api/v1/auth/register", map[string]string{
		"username":     user.Username,
		"password":     user.Password,
		"display_name": fmt.Sprintf("Load User %d", idx),
	}, nil, &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", user.Username, err)
	}

	if status == http.StatusConflict {
		auth = authResponse{}
		if _, err := r.requestJSON(ctx, "login", http.MethodPost, r.cfg.FeedAPIBase+"/api/v1/auth/login", map[string]string{
			"username": user.Username,
			"password": user.Password,
		}, nil, &auth, http.StatusOK); err != nil {
			return nil, fmt.Errorf("login %s: %w", user.Username, err)
		}
	}

	if strings.TrimSpace(auth.AccessToken) == "" {
		return nil, fmt.Errorf("empty access token for %s", user.Username)
	}
	user.AccessToken = auth.AccessToken
	user.UserID = auth.UserID

	var created createdEvent
	if _, err := r.requestJSON(ctx, "create_event", http.MethodPost, r.cfg.FeedAPIBase+"/api/v1/events", map[string]any{
		"title":     fmt.Sprintf("Load Kickoff %d", user.Index),
		"location":  "Load Test Hall",
		"starts_at": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
	}, &user.AccessToken, &created, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("create event for %s: %w", user.Username, err)
	}
	if strings.TrimSpace(created.ID) == "" {
		return nil, fmt.Errorf("empty event id for %s", user.Username)
	}
	user.addEvent(created.ID)

	return user, nil
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(maxInt(r.cfg.Users, 1))) * float64(user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableSSE {
		go r.runSSELoop(ctx, user)
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / r.cfg.ActionsPerUserPerSecond)
		if interval < 25*time.Millisecond {
			interval = 25 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*7)))
	initialJitter := time.Duration(rng.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, user, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	eventID, hasEvent := user.randomEvent(rng)

	choice := rng.Float64()
	switch {
	case !hasEvent || choice < 0.30:
		r.createEvent(ctx, user, rng)
	case choice < 0.55:
		r.setAttendance(ctx, user, rng, eventID)
	case choice < 0.80:
		r.sendChatMessage(ctx, user, rng, eventID)
	case choice < 0.95:
		r.refreshFeed(ctx, user)
	default:
		r.deleteEvent(ctx, user, eventID)
	}
}

func (r *runner) createEvent(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	// Vary the start so both upcoming and past partitions stay populated.
	startOffset := time.Duration(rng.Intn(96)-24) * time.Hour

	var created createdEvent
	_, err := r.requestJSON(ctx, "create_event", http.MethodPost, r.cfg.FeedAPIBase+"/api/v1/events", map[string]any{
		"title":     fmt.Sprintf("Load Event %d", rng.Intn(1_000_000)),
		"location":  fmt.Sprintf("Venue %d", rng.Intn(500)),
		"starts_at": time.Now().Add(startOffset).UTC().Format(time.RFC3339),
	}, &user.AccessToken, &created, http.StatusCreated)
	if err != nil {
		actionsTotal.WithLabelValues("create_event", "error").Inc()
		return
	}
	if strings.TrimSpace(created.ID) != "" {
		user.addEvent(created.ID)
	}
	actionsTotal.WithLabelValues("create_event", "success").Inc()
}

func (r *runner) setAttendance(ctx context.Context, user *simulatedUser, rng *rand.Rand, eventID string) {
	if strings.TrimSpace(eventID) == "" {
		r.createEvent(ctx, user, rng)
		return
	}

	payload := map[string]any{"is_going": rng.Float64() < 0.7}
	if payload["is_going"] == true && rng.Float64() < 0.5 {
		payload["arrival_time"] = time.Now().Add(25 * time.Hour).UTC().Format(time.RFC3339)
	}

	_, err := r.requestJSON(ctx, "set_attendance", http.MethodPut,
		r.cfg.FeedAPIBase+"/api/v1/events/"+url.PathEscape(eventID)+"/attendance",
		payload, &user.AccessToken, nil, http.StatusAccepted)
	if err != nil {
		actionsTotal.WithLabelValues("set_attendance", "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("set_attendance", "success").Inc()
}

func (r *runner) sendChatMessage(ctx context.Context, user *simulatedUser, rng *rand.Rand, eventID string) {
	if strings.TrimSpace(eventID) == "" {
		actionsTotal.WithLabelValues("send_message", "error").Inc()
		return
	}

	// Chats for past events reject writes with 409; count those as
	// success since the refusal itself is the behavior under test.
	_, err := r.requestJSON(ctx, "send_message", http.MethodPost,
		r.cfg.FeedAPIBase+"/api/v1/chats/"+url.PathEscape(eventID)+"/messages",
		map[string]string{"text": fmt.Sprintf("load message %d", rng.Intn(1_000_000))},
		&user.AccessToken, nil, http.StatusCreated, http.StatusConflict)
	if err != nil {
		actionsTotal.WithLabelValues("send_message", "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("send_message", "success").Inc()
}

func (r *runner) refreshFeed(ctx context.Context, user *simulatedUser) {
	_, err := r.requestJSON(ctx, "get_feed", http.MethodGet, r.cfg.FeedAPIBase+"/api/v1/feed",
		nil, &user.AccessToken, nil, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("refresh_feed", "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("refresh_feed", "success").Inc()
}

func (r *runner) deleteEvent(ctx context.Context, user *simulatedUser, eventID string) {
	if strings.TrimSpace(eventID) == "" {
		actionsTotal.WithLabelValues("delete_event", "error").Inc()
		return
	}

	_, err := r.requestJSON(ctx, "delete_event", http.MethodDelete,
		r.cfg.FeedAPIBase+"/api/v1/events/"+url.PathEscape(eventID),
		nil, &user.AccessToken, nil, http.StatusNoContent)
	if err != nil {
		actionsTotal.WithLabelValues("delete_event", "error").Inc()
		return
	}
	user.removeEvent(eventID)
	actionsTotal.WithLabelValues("delete_event", "success").Inc()
}

func (r *runner) runSSELoop(ctx context.Context, user *simulatedUser) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := r.connectAndReadSSE(ctx, user)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sse reconnect user=%s err=%v", user.Username, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) connectAndReadSSE(ctx context.Context, user *simulatedUser) error {
	chatID, ok := user.randomEvent(rand.New(rand.NewSource(time.Now().UnixNano())))
	if !ok {
		return errors.New("no chat to stream")
	}

	sseURL := r.cfg.StreamerBase + "/streams/chats/" + url.PathEscape(chatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+user.AccessToken)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.sseClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("chat_stream_open", http.MethodGet, "0", "error").Inc()
		r.requestsError.Add(1)
		return err
	}
	defer resp.Body.Close()

	statusText := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		requestsTotal.WithLabelValues("chat_stream_open", http.MethodGet, statusText, "error").Inc()
		r.requestsError.Add(1)
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected SSE status: %d", resp.StatusCode)
	}

	requestsTotal.WithLabelValues("chat_stream_open", http.MethodGet, statusText, "success").Inc()
	r.requestsSuccess.Add(1)

	sseConnectedUsersGauge.Inc()
	r.activeSSE.Add(1)
	defer sseConnectedUsersGauge.Dec()
	defer r.activeSSE.Add(-1)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return nil
}

func (r *runner) requestJSON(
	ctx context.Context,
	endpoint, method, requestURL string,
	payload any,
	bearerToken *string,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != nil && strings.TrimSpace(*bearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*bearerToken))
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d active_vus=%d active_sse=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.activeVUs.Load(),
				r.activeSSE.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func (u *simulatedUser) addEvent(eventID string) {
	if strings.TrimSpace(eventID) == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, eventID)
}

func (u *simulatedUser) randomEvent(rng *rand.Rand) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.events) == 0 {
		return "", false
	}
	return u.events[rng.Intn(len(u.events))], true
}

func (u *simulatedUser) removeEvent(eventID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for idx, existing := range u.events {
		if existing != eventID {
			continue
		}
		u.events[idx] = u.events[len(u.events)-1]
		u.events = u.events[:len(u.events)-1]
		return
	}
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func stringEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
