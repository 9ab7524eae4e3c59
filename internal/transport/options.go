package transport

import (
	"sync"
	"time"
)

// Credentials locate and authorize the chat service.
type Credentials struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"-"`
	Model    string `json:"model"`
}

// CredentialSource supplies the current chat credentials.
type CredentialSource interface {
	Credentials() Credentials
}

// CredentialStore is a mutable CredentialSource safe for concurrent use.
type CredentialStore struct {
	mu    sync.RWMutex
	creds Credentials
}

func NewCredentialStore(creds Credentials) *CredentialStore {
	return &CredentialStore{creds: creds}
}

func (s *CredentialStore) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *CredentialStore) Set(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
}

// Options tunes request timeouts, retries and speech chunking.
type Options struct {
	Temperature float64
	MaxTokens   int

	ChatTimeout      time.Duration
	DegradedTimeout  time.Duration
	SecondaryTimeout time.Duration
	SpeechTimeout    time.Duration

	MaxAttempts int
	BaseDelay   time.Duration

	SpeechURL         string
	VoicesURL         string
	LongTextThreshold int
	MaxChunkSize      int

	DebugCapacity int
}

func DefaultOptions() Options {
	return Options{
		Temperature:       0.7,
		MaxTokens:         1000,
		ChatTimeout:       60 * time.Second,
		DegradedTimeout:   30 * time.Second,
		SecondaryTimeout:  30 * time.Second,
		SpeechTimeout:     30 * time.Second,
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		SpeechURL:         "https://tts.ciallo.de/api/tts",
		VoicesURL:         "https://tts.ciallo.de/api/voices",
		LongTextThreshold: 300,
		MaxChunkSize:      500,
		DebugCapacity:     20,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.ChatTimeout <= 0 {
		o.ChatTimeout = def.ChatTimeout
	}
	if o.DegradedTimeout <= 0 {
		o.DegradedTimeout = def.DegradedTimeout
	}
	if o.SecondaryTimeout <= 0 {
		o.SecondaryTimeout = def.SecondaryTimeout
	}
	if o.SpeechTimeout <= 0 {
		o.SpeechTimeout = def.SpeechTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.LongTextThreshold <= 0 {
		o.LongTextThreshold = def.LongTextThreshold
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = def.MaxChunkSize
	}
	if o.DebugCapacity <= 0 {
		o.DebugCapacity = def.DebugCapacity
	}
}
