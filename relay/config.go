package relay

import "time"

// Config is read from the environment. APIKey is deliberately not required at
// load time: a relay without it still serves health and metrics and answers
// token requests with a configuration error.
type Config struct {
	APIKey         string        `env:"OPENAI_API_KEY"`
	BaseURL        string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Model          string        `env:"REALTIME_MODEL" envDefault:"gpt-4o-realtime-preview-2024-12-17"`
	Voice          string        `env:"REALTIME_VOICE" envDefault:"nova"`
	Addr           string        `env:"RELAY_ADDR" envDefault:":8080"`
	RequestTimeout time.Duration `env:"RELAY_REQUEST_TIMEOUT" envDefault:"30s"`
	RateLimit      float64       `env:"RELAY_RATE_LIMIT" envDefault:"0"`
	RateBurst      int           `env:"RELAY_RATE_BURST" envDefault:"5"`
}
