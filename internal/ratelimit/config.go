package ratelimit

// Config selects the window backend
type Config struct {
	// Backend is postgres, redis or memory. Empty follows the store driver.
	Backend     string `envconfig:"RATE_LIMIT_BACKEND"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisPrefix string `envconfig:"RATE_LIMIT_REDIS_PREFIX" default:"giftledger:rl"`
}
