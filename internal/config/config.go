package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	Enabled bool // Journal deliveries to Postgres
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
}

type NSQ struct {
	Enabled        bool          // Consume submitted records from NSQ
	NsqdTCPAddr    string        // e.g. nsqd:4150
	NsqdHTTPAddr   string        // e.g. nsqd:4151, polled for channel stats
	LookupHTTPAddr string        // e.g. http://nsqlookupd:4161
	SourcesTopic   string        // NSQ topic carrying submitted records
	DLQTopic       string        // Dead letter topic for entries that exhausted every strategy
	Channel        string        // NSQ channel name for the bridge consumer
	PublishDLQ     bool          // Whether to publish failed entries to DLQ
	StatsInterval  time.Duration // Backlog poll interval; 0 disables
}

type Control struct {
	Addr        string   // Local control-plane listen address
	TokenSecret string   // HS256 secret for bearer tokens; empty disables auth
	Issuer      string   // JWT issuer
	Audience    string   // JWT audience
	CORSOrigins []string // Allowed origins for the companion extension
	DumpPath    string   // Default diagnostic dump file
}

type Target struct {
	BaseURL   string // e.g. https://notebooklm.google.com
	RPCPath   string // batch-execute path
	RPCID     string // RPC id of the add-source operation
	UserAgent string
}

type Browser struct {
	RemoteURL  string // DevTools websocket of an already running browser
	ProfileDir string // Persistent Chrome profile holding the user's session
	Headless   bool
	InPageRPC  bool // Issue the batch-execute call from inside the page instead of Go's HTTP client
}

type Dispatch struct {
	Preferred      string        // "rpc" or "ui": strategy tried first
	PollInterval   time.Duration // Result slot poll interval
	PollAttempts   int           // Result slot poll attempts
	StepSettle     time.Duration // Delay after each UI step
	LookupAttempts int           // Scan attempts for a required control
	LookupInterval time.Duration // Delay between scan attempts
	AutoInterval   time.Duration // Auto dispatch tick; 0 disables
	NoticeBuffer   int           // Recent notices kept for the control plane
	UITable        string        // YAML file overriding the UI matcher table
}

type Vault struct {
	Dir                string // Markdown notes root
	InboxDir           string // Watched directory; new notes are enqueued
	IncludeFrontmatter bool
	IncludeMetadata    bool
}

type Config struct {
	AppName   string
	LogLevel  string
	LogPretty bool
	Control   Control
	Target    Target
	Browser   Browser
	Dispatch  Dispatch
	Vault     Vault
	DB        DB
	NSQ       NSQ
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseList(list string) []string {
	if list == "" {
		return nil
	}

	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePreferred normalizes the preferred strategy name, falling back to rpc.
func parsePreferred(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ui", "dom":
		return "ui"
	default:
		return "rpc"
	}
}

func FromEnv() Config {
	home, _ := os.UserHomeDir()
	return Config{
		AppName:   getenv("APP_NAME", "starbridge"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogPretty: getenvBool("LOG_PRETTY", false),
		Control: Control{
			Addr:        getenv("CONTROL_ADDR", "127.0.0.1:27123"),
			TokenSecret: getenv("CONTROL_TOKEN_SECRET", ""),
			Issuer:      getenv("CONTROL_TOKEN_ISSUER", "starbridge"),
			Audience:    getenv("CONTROL_TOKEN_AUDIENCE", "starbridge-control"),
			CORSOrigins: parseList(getenv("CONTROL_CORS_ORIGINS", "https://notebooklm.google.com,chrome-extension://*")),
			DumpPath:    getenv("CONTROL_DUMP_PATH", "notebooklm-debug.json"),
		},
		Target: Target{
			BaseURL:   strings.TrimRight(getenv("TARGET_BASE_URL", "https://notebooklm.google.com"), "/"),
			RPCPath:   getenv("TARGET_RPC_PATH", "/_/LabsTailwindUi/data/batchexecute"),
			RPCID:     getenv("TARGET_RPC_ID", "izAoDd"),
			UserAgent: getenv("TARGET_USER_AGENT", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"),
		},
		Browser: Browser{
			RemoteURL:  getenv("BROWSER_REMOTE_URL", ""),
			ProfileDir: getenv("BROWSER_PROFILE_DIR", home+"/.starbridge/chrome-profile"),
			Headless:   getenvBool("BROWSER_HEADLESS", false),
			InPageRPC:  getenvBool("BROWSER_IN_PAGE_RPC", true),
		},
		Dispatch: Dispatch{
			Preferred:      parsePreferred(getenv("DISPATCH_PREFERRED", "rpc")),
			PollInterval:   getenvDuration("DISPATCH_POLL_INTERVAL", 500*time.Millisecond),
			PollAttempts:   getenvInt("DISPATCH_POLL_ATTEMPTS", 20),
			StepSettle:     getenvDuration("DISPATCH_STEP_SETTLE", 800*time.Millisecond),
			LookupAttempts: getenvInt("DISPATCH_LOOKUP_ATTEMPTS", 10),
			LookupInterval: getenvDuration("DISPATCH_LOOKUP_INTERVAL", 200*time.Millisecond),
			AutoInterval:   getenvDuration("DISPATCH_AUTO_INTERVAL", 0),
			NoticeBuffer:   getenvInt("DISPATCH_NOTICE_BUFFER", 50),
			UITable:        getenv("DISPATCH_UI_TABLE", ""),
		},
		Vault: Vault{
			Dir:                getenv("VAULT_DIR", ""),
			InboxDir:           getenv("VAULT_INBOX_DIR", ""),
			IncludeFrontmatter: getenvBool("VAULT_INCLUDE_FRONTMATTER", false),
			IncludeMetadata:    getenvBool("VAULT_INCLUDE_METADATA", true),
		},
		DB: DB{
			Enabled: getenvBool("DB_ENABLED", false),
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "localhost"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "starbridge"),
		},
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "localhost:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "localhost:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", ""),
			SourcesTopic:   getenv("NSQ_SOURCES_TOPIC", "sources"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "sources_dlq"),
			Channel:        getenv("NSQ_CHANNEL", "bridge"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
			StatsInterval:  getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// RPCURL is the absolute batch-execute URL, including the rpcids query.
func (c Config) RPCURL() string {
	return c.Target.BaseURL + c.Target.RPCPath + "?rpcids=" + c.Target.RPCID
}
