// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (site login, relay key), use Validate.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Channel is one monitored chat channel. Loaded at startup, never mutated.
type Channel struct {
	ID    string
	Group string
	URL   string
}

// defaultChannels are the campus channels monitored when MONITOR_CHANNELS is unset.
var defaultChannels = []string{
	"business-mastery|https://app.jointherealworld.com/chat/01GVZRG9K25SS9JZBAMA4GRCEF/01JDEQ9MJA984M1NSPQZGM5BZC",
	"crypto-currency-investing|https://app.jointherealworld.com/chat/01GGDHGV32QWPG7FJ3N39K4FME/01GHHNFJ8H56EY45HTHESZTZGJ",
	"copywriting|https://app.jointherealworld.com/chat/01GGDHGYWCHJD6DSZWGGERE3KZ/01GHHMNMCRY7YMRWD9MQPJ2H0Q",
	"stocks|https://app.jointherealworld.com/chat/01GGDHHZ377R1S4G4R6E29247S/01GHSBDYFPFBMQ1Y8B787ANNFA",
	"crypto-trading|https://app.jointherealworld.com/chat/01GW4K82142Y9A465QDA3C7P44/01GKDTJZ2YCBW2FJKEN99F2NEQ",
	"ecommerce|https://app.jointherealworld.com/chat/01GGDHHAR4MJXXKW3MMN85FY8C/01GHK58VJV5AV7T1DY83PGKSJW",
	"social-media-client-acquisition|https://app.jointherealworld.com/chat/01GGDHHJJW5MQZBE0NPERYE8E7/01GHP2BTZKB71RJRQ48KN5KK7G",
	"ai-automation-agency|https://app.jointherealworld.com/chat/01HZFA8C65G7QS2DQ5XZ2RNBFP/01GXNM8K22ZV1Q2122RC47R9AF",
	"crypto-defi|https://app.jointherealworld.com/chat/01GW4K766W7A5N6PWV2YCX0GZP/01GKDTKWTF7KWYQM9JPZNDE5E8",
	"content-creation-ai|https://app.jointherealworld.com/chat/01GXNJTRFK41EHBK63W4M5H74M/01GXNM8K22ZV1Q2122RC47R9AF",
	"hustlers-campus|https://app.jointherealworld.com/chat/01HSRZK1WHNV787DBPYQYN44ZS/01HST8F8W7P3VYBXCSDAVSS0GF",
	"the-real-world|https://app.jointherealworld.com/chat/01GGDHJAQMA1D0VMK8WV22BJJN/01J4RER9MEEWZSV4R14AP1WXGT",
	"health-fitness|https://app.jointherealworld.com/chat/01GVZRNVT519Q67C8BQGJHRDBY/01HPPX86PZ4QMEAZ35SZTBVGR6",
}

type Config struct {
	// Channels
	Channels []Channel

	// Site
	LoginURL  string
	LogoutURL string
	Email     string
	Password  string

	// Relay
	RelayServer    string
	RelayServerKey string

	// OTP mailbox
	OTPIMAPAddr      string
	OTPEmail         string
	OTPEmailPassword string

	// Schedule extraction
	OpenAIAPIKey string
	OpenAIModel  string

	// Coordination store
	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ClaimTTL      time.Duration

	// Archive (optional)
	DBDsn string

	// HTTP
	HTTPAddr string

	// Timings
	LiveWaitTimeout      time.Duration
	VideoWaitTimeout     time.Duration
	OTPPollInterval      time.Duration
	OTPMaxAttempts       int
	ChatPollInterval     time.Duration
	UpcomingWindow       int
	WorkerRestartBackoff time.Duration
	ScannerRestartDelay  time.Duration
	SurfaceMissLimit     int

	// Workers
	WorkerMode      string
	SpawnRatePerMin int
	DisplayBase     int
	HeadlessDebug   bool
	ChromePath      string
}

// Load reads environment variables and applies defaults. It doesn't fail if credentials are missing;
// use Validate() before starting the monitor. Malformed values are reported as errors.
func Load() (*Config, error) {
	cfg := &Config{}

	channels, err := ParseChannels(getEnv("MONITOR_CHANNELS", strings.Join(defaultChannels, ",")))
	if err != nil {
		return nil, err
	}
	cfg.Channels = channels

	cfg.LoginURL = getEnv("LOGIN_URL", "https://app.jointherealworld.com/auth/login?a=p86p7wfnzd&subid=login")
	cfg.LogoutURL = getEnv("LOGOUT_URL", "https://api.therealworld.ag/auth/session/logout")
	cfg.Email = os.Getenv("MONITOR_EMAIL")
	cfg.Password = os.Getenv("MONITOR_PASSWORD")

	cfg.RelayServer = strings.TrimRight(getEnv("RELAY_SERVER", "rtmp://localhost/live"), "/")
	cfg.RelayServerKey = os.Getenv("RELAY_SERVER_KEY")

	cfg.OTPIMAPAddr = getEnv("OTP_IMAP_ADDR", "imap.gmail.com:993")
	cfg.OTPEmail = os.Getenv("OTP_EMAIL")
	cfg.OTPEmailPassword = os.Getenv("OTP_EMAIL_PASSWORD")

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIModel = getEnv("OPENAI_MODEL", "gpt-4o-mini")

	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", "redis"))
	if cfg.StoreBackend != "redis" && cfg.StoreBackend != "memory" {
		return nil, fmt.Errorf("invalid STORE_BACKEND %q (redis|memory)", cfg.StoreBackend)
	}
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ClaimTTL, err = getDuration("CLAIM_TTL", 5*time.Minute); err != nil {
		return nil, err
	}

	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"LIVE_WAIT_TIMEOUT", &cfg.LiveWaitTimeout, 20 * time.Second},
		{"VIDEO_WAIT_TIMEOUT", &cfg.VideoWaitTimeout, 10 * time.Second},
		{"OTP_POLL_INTERVAL", &cfg.OTPPollInterval, 15 * time.Second},
		{"CHAT_POLL_INTERVAL", &cfg.ChatPollInterval, 500 * time.Millisecond},
		{"WORKER_RESTART_BACKOFF", &cfg.WorkerRestartBackoff, 5 * time.Second},
		{"SCANNER_RESTART_BACKOFF", &cfg.ScannerRestartDelay, 5 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"OTP_MAX_ATTEMPTS", &cfg.OTPMaxAttempts, 10},
		{"UPCOMING_WINDOW", &cfg.UpcomingWindow, 5},
		{"SURFACE_MISS_LIMIT", &cfg.SurfaceMissLimit, 3},
		{"SPAWN_RATE_PER_MIN", &cfg.SpawnRatePerMin, 6},
		{"DISPLAY_BASE", &cfg.DisplayBase, 100},
	}
	for _, n := range ints {
		if *n.dst, err = getInt(n.key, n.def); err != nil {
			return nil, err
		}
	}

	cfg.WorkerMode = strings.ToLower(getEnv("WORKER_MODE", "process"))
	if cfg.WorkerMode != "process" && cfg.WorkerMode != "inprocess" {
		return nil, fmt.Errorf("invalid WORKER_MODE %q (process|inprocess)", cfg.WorkerMode)
	}
	cfg.HeadlessDebug = os.Getenv("HEADLESS_DEBUG") == "1"
	cfg.ChromePath = os.Getenv("CHROME_PATH")

	return cfg, nil
}

// Validate checks the credentials the monitor cannot run without.
// The OTP mailbox and extraction key are optional: without them verification
// challenges fail and upcoming-stream extraction is disabled.
func (c *Config) Validate() error {
	var missing []string
	if c.Email == "" {
		missing = append(missing, "MONITOR_EMAIL")
	}
	if c.Password == "" {
		missing = append(missing, "MONITOR_PASSWORD")
	}
	if c.RelayServerKey == "" {
		missing = append(missing, "RELAY_SERVER_KEY")
	}
	if len(c.Channels) == 0 {
		missing = append(missing, "MONITOR_CHANNELS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing monitor env: require %s", strings.Join(missing, ", "))
	}
	return nil
}

// ChannelByID returns the configured channel with the given id.
func (c *Config) ChannelByID(id string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// ParseChannels parses a comma separated list of group|url pairs.
// The channel id joins the last two path segments of the url (server and
// channel) with an underscore; channel ids alone repeat across servers.
func ParseChannels(s string) ([]Channel, error) {
	var out []Channel
	seen := map[string]bool{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		group, raw, ok := strings.Cut(item, "|")
		if !ok || group == "" || raw == "" {
			return nil, fmt.Errorf("invalid channel entry %q (want group|url)", item)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid channel url %q", raw)
		}
		id := channelID(u.Path)
		if id == "" {
			return nil, fmt.Errorf("channel url %q has no id segment", raw)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate channel id %q", id)
		}
		seen[id] = true
		out = append(out, Channel{ID: id, Group: group, URL: raw})
	}
	return out, nil
}

func channelID(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(segs) == 0 || segs[0] == "":
		return ""
	case len(segs) == 1:
		return segs[0]
	}
	return segs[len(segs)-2] + "_" + segs[len(segs)-1]
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (duration): %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration", key)
	}
	return d, nil
}
