package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string
	CORSOrigin  string

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string

	AssemblyAIKey string

	TTSProvider       string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	ICEServersJSON string
	StepsFile      string

	AutoSubmitDelay time.Duration
	MaxRetries      int

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseTable          string
	SupabaseBucket         string

	RedisURL   string
	SessionTTL time.Duration

	TwilioAccountSID string
	TwilioAuthToken  string
	PublicBaseURL    string

	// Warnings lists missing or malformed settings. They are logged once the
	// logger exists.
	Warnings []string
}

// Load reads .env when present, then environment variables with sane defaults.
func Load() Config {
	var warnings []string
	if err := godotenv.Load(); err != nil {
		warnings = append(warnings, "no .env file loaded")
	}
	cfg := FromEnv()
	cfg.Warnings = append(warnings, cfg.Warnings...)
	return cfg
}

// FromEnv builds Config from the process environment only.
func FromEnv() Config {
	var warnings []string
	warn := func(s string) { warnings = append(warnings, s) }

	port := getenv("PORT", "8080")
	cfg := Config{
		HTTPAddress:            ":" + strings.TrimPrefix(port, ":"),
		LogLevel:               getenv("LOG_LEVEL", "info"),
		LogFormat:              getenv("LOG_FORMAT", "json"),
		CORSOrigin:             getenv("CORS_ORIGIN", "*"),
		OpenAIKey:              os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:          os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:            getenv("OPENAI_MODEL", "gpt-4o-mini"),
		AssemblyAIKey:          os.Getenv("ASSEMBLYAI_API_KEY"),
		TTSProvider:            getenv("TTS_PROVIDER", "deepgram"),
		DeepgramKey:            os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:          os.Getenv("DEEPGRAM_TTS_MODEL"),
		ElevenLabsKey:          os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:      os.Getenv("ELEVENLABS_VOICE_ID"),
		ICEServersJSON:         os.Getenv("ICE_SERVERS_JSON"),
		StepsFile:              os.Getenv("STEPS_FILE"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseTable:          getenv("SUPABASE_TABLE", "resume_site_users"),
		SupabaseBucket:         getenv("SUPABASE_BUCKET", "interviews"),
		RedisURL:               os.Getenv("REDIS_URL"),
		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		PublicBaseURL:          os.Getenv("PUBLIC_BASE_URL"),
	}

	cfg.AutoSubmitDelay = durationEnv("AUTO_SUBMIT_DELAY", 4*time.Second, warn)
	cfg.SessionTTL = durationEnv("SESSION_TTL", 24*time.Hour, warn)
	cfg.MaxRetries = intEnv("MAX_RETRIES", 3, warn)

	if cfg.OpenAIKey == "" {
		warn("OPENAI_API_KEY not set - replies will fail")
	}
	if cfg.AssemblyAIKey == "" {
		warn("ASSEMBLYAI_API_KEY not set - voice capture will not work, typed input only")
	}
	switch strings.ToLower(cfg.TTSProvider) {
	case "deepgram":
		if cfg.DeepgramKey == "" {
			warn("DEEPGRAM_API_KEY not set - TTS will not work")
		}
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			warn("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	}
	if !cfg.SupabaseEnabled() {
		warn("SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - collected fields are not saved to Supabase")
	}
	if cfg.RedisURL == "" {
		warn("REDIS_URL not set - session snapshots are not kept")
	}
	cfg.Warnings = warnings
	return cfg
}

func (c Config) SupabaseEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceRoleKey != ""
}

// TwilioEnabled reports whether the phone channel can be mounted.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration, warn func(string)) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		warn(key + " is not a positive duration, using " + def.String())
		return def
	}
	return d
}

func intEnv(key string, def int, warn func(string)) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		warn(key + " is not a positive integer, using " + strconv.Itoa(def))
		return def
	}
	return n
}
