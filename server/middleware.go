package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// authConfig guards the admin routes. Either credential kind may be set.
type authConfig struct {
	adminUsername string
	adminPassword string
	adminToken    string
	enabled       bool
}

func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		adminUsername: os.Getenv("ADMIN_USERNAME"),
		adminPassword: os.Getenv("ADMIN_PASSWORD"),
		adminToken:    os.Getenv("ADMIN_TOKEN"),
	}
	cfg.enabled = cfg.hasBasic() || cfg.adminToken != ""
	if !cfg.enabled {
		slog.Warn("admin routes are open: set ADMIN_TOKEN or ADMIN_USERNAME and ADMIN_PASSWORD", slog.String("component", "http"))
	}
	return cfg
}

func (c *authConfig) hasBasic() bool { return c.adminUsername != "" && c.adminPassword != "" }

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// permits reports whether r carries a valid X-Admin-Token or basic auth pair.
func (c *authConfig) permits(r *http.Request) bool {
	if !c.enabled {
		return true
	}
	if tok := r.Header.Get("X-Admin-Token"); c.adminToken != "" && tok != "" && secretEqual(tok, c.adminToken) {
		return true
	}
	if !c.hasBasic() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	// evaluate both so timing does not reveal which one mismatched
	userOK, passOK := secretEqual(user, c.adminUsername), secretEqual(pass, c.adminPassword)
	return ok && userOK && passOK
}

func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.permits(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="relay-tender admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("ip", clientIP(r)))
	})
}

// rateLimiterConfig sizes the per-IP buckets: requestsPerIP tokens, refilled
// over window.
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int
	window        time.Duration
}

// loadRateLimiterConfig reads RATE_LIMIT_ENABLED (on unless "0"),
// RATE_LIMIT_REQUESTS_PER_IP (10) and RATE_LIMIT_WINDOW_SECONDS (60).
func loadRateLimiterConfig() *rateLimiterConfig {
	return &rateLimiterConfig{
		enabled:       os.Getenv("RATE_LIMIT_ENABLED") != "0",
		requestsPerIP: envPositive("RATE_LIMIT_REQUESTS_PER_IP", 10),
		window:        time.Duration(envPositive("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
	}
}

// envPositive returns the env value as a positive int, else def.
func envPositive(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

type ipRateLimiter struct {
	cfg *rateLimiterConfig

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter returns a limiter that forgets idle clients until ctx ends.
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{cfg: cfg, visitors: make(map[string]*visitor)}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				rl.forgetIdle(now)
			}
		}
	}()
	return rl
}

// forgetIdle drops visitors unseen for two windows; a new bucket starts full,
// same as theirs would be by then.
func (rl *ipRateLimiter) forgetIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > 2*rl.cfg.window {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v := rl.visitors[ip]
	if v == nil {
		refill := rate.Every(rl.cfg.window / time.Duration(rl.cfg.requestsPerIP))
		v = &visitor{limiter: rate.NewLimiter(refill, rl.cfg.requestsPerIP)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// clientIP is the first X-Forwarded-For hop, else the remote address, without
// the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		ip = strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	retryAfter := strconv.Itoa(int(limiter.cfg.window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			slog.Warn("rate limited", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsConfig: permissive answers every origin with "*"; otherwise only
// allowedOrigins (entries may be "*.domain") get CORS headers.
type corsConfig struct {
	allowedOrigins []string
	permissive     bool
}

// loadCORSConfig is permissive when ENV is empty or dev, unless
// CORS_PERMISSIVE says otherwise.
func loadCORSConfig() *corsConfig {
	env := strings.ToLower(os.Getenv("ENV"))
	cfg := &corsConfig{permissive: env == "" || env == "dev" || env == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.permissive = v == "1" || v == "true"
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.allowedOrigins = append(cfg.allowedOrigins, o)
		}
	}
	if !cfg.permissive && len(cfg.allowedOrigins) == 0 {
		slog.Warn("CORS restricted with no CORS_ALLOWED_ORIGINS; cross-origin requests get no CORS headers", slog.String("component", "http"))
	}
	return cfg
}

func (c *corsConfig) allows(origin string) bool {
	if slices.Contains(c.allowedOrigins, origin) {
		return true
	}
	for _, a := range c.allowedOrigins {
		domain, ok := strings.CutPrefix(a, "*.")
		if ok && (strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain) {
			return true
		}
	}
	return false
}

func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		switch {
		case cfg.permissive:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && cfg.allows(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if h.Get("Access-Control-Allow-Origin") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
