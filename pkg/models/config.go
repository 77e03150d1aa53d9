package models

// RateLimit bounds how many requests one origin may issue per window
type RateLimit struct {
	WindowMS int `json:"windowMs"`
	Max      int `json:"max"`
}

// Config holds the tunable broker parameters
type Config struct {
	Timeout        int       `json:"timeout"`
	MaxRetries     int       `json:"maxRetries"`
	RetryDelay     int       `json:"retryDelay"`
	AllowedMethods []string  `json:"allowedMethods"`
	RateLimit      RateLimit `json:"rateLimit"`
}

// DefaultConfig returns the configuration used before any update
func DefaultConfig() Config {
	return Config{
		Timeout:        30000,
		MaxRetries:     3,
		RetryDelay:     1000,
		AllowedMethods: append([]string(nil), Methods...),
		RateLimit: RateLimit{
			WindowMS: 60000,
			Max:      100,
		},
	}
}

// Clone returns a deep copy of c
func (c Config) Clone() Config {
	c.AllowedMethods = append([]string(nil), c.AllowedMethods...)
	return c
}

// RateLimitPatch is a partial RateLimit update
type RateLimitPatch struct {
	WindowMS *int `json:"windowMs,omitempty" yaml:"windowMs"`
	Max      *int `json:"max,omitempty" yaml:"max"`
}

// ConfigPatch is a partial Config update. AllowedMethods is accepted on
// the wire but never applied.
type ConfigPatch struct {
	Timeout        *int            `json:"timeout,omitempty" yaml:"timeout"`
	MaxRetries     *int            `json:"maxRetries,omitempty" yaml:"maxRetries"`
	RetryDelay     *int            `json:"retryDelay,omitempty" yaml:"retryDelay"`
	AllowedMethods []string        `json:"allowedMethods,omitempty" yaml:"allowedMethods"`
	RateLimit      *RateLimitPatch `json:"rateLimit,omitempty" yaml:"rateLimit"`
}
