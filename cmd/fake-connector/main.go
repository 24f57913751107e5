package main

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/harbor_notify/internal/auth"
	"github.com/austindbirch/harbor_notify/internal/channel"
)

// connector imitates the bot connector activities endpoint. The first
// throttleFirstN requests get 429, the next failFirstN get 500, and
// conversations listed in unknown always get 404. With a validator set the
// activities endpoint requires an RS256 bearer token for the bot app.
type connector struct {
	mu             sync.Mutex
	reqCount       int
	throttleFirstN int
	failFirstN     int
	retryAfter     time.Duration
	unknown        map[string]bool
	delivered      map[string]int

	validator *auth.Validator
}

func newConnector() *connector {
	return &connector{unknown: map[string]bool{}, delivered: map[string]int{}}
}

func main() {
	c := newConnector()
	c.throttleFirstN = getEnvInt("THROTTLE_FIRST_N", 0)
	c.failFirstN = getEnvInt("FAIL_FIRST_N", 0)
	c.retryAfter = time.Duration(getEnvInt("RETRY_AFTER_SECONDS", 1)) * time.Second
	if path := os.Getenv("CONNECTOR_PUBLIC_KEY_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read public key: %v", err)
		}
		pub, err := auth.ParsePublicKeyPEM(string(b))
		if err != nil {
			log.Fatalf("parse public key: %v", err)
		}
		c.requireToken(pub, os.Getenv("TOKEN_ISSUER"), getEnv("BOT_APP_ID", "local-bot"))
	}
	for _, id := range strings.Split(os.Getenv("UNKNOWN_CONVERSATIONS"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			c.unknown[id] = true
		}
	}

	addr := ":" + strings.TrimPrefix(getEnv("PORT", "8081"), ":")
	log.Printf("fake-connector listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, c.routes()))
}

func (c *connector) requireToken(pub *rsa.PublicKey, issuer, appID string) {
	c.validator = auth.NewValidator(pub, issuer, appID)
}

func (c *connector) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	var activities http.Handler = http.HandlerFunc(c.handleActivity)
	if c.validator != nil {
		activities = c.validator.HTTPMiddleware(activities)
	}
	mux.Handle("POST /v3/conversations/{id}/activities", activities)
	mux.HandleFunc("GET /stats", c.handleStats)
	return mux
}

func (c *connector) handleActivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	var act channel.Activity
	if err := json.Unmarshal(b, &act); err != nil || act.Type == "" {
		http.Error(w, "invalid activity", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.reqCount++
	n := c.reqCount
	unknown := c.unknown[id]
	c.mu.Unlock()

	switch {
	case unknown:
		log.Printf("NOT FOUND %s", id)
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	case n <= c.throttleFirstN:
		log.Printf("THROTTLING (%d/%d) %s", n, c.throttleFirstN, id)
		w.Header().Set("Retry-After", strconv.Itoa(int(c.retryAfter.Seconds())))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	case n <= c.throttleFirstN+c.failFirstN:
		log.Printf("FAILING (%d/%d) %s", n-c.throttleFirstN, c.failFirstN, id)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	c.mu.Lock()
	c.delivered[id]++
	c.mu.Unlock()

	log.Printf("fake-connector OK %s type=%s attachments=%d text=%q", id, act.Type, len(act.Attachments), truncate(act.Text, 80))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `{"id":"%d"}`, n)
}

func (c *connector) handleStats(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests":  c.reqCount,
		"delivered": c.delivered,
	})
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
