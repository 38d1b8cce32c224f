package utils

import (
	"time"
)

// Token and session time constants
const (
	// ExtensionTokenTTL is the lifetime of a paired browser extension token (90 days)
	ExtensionTokenTTL = 90 * 24 * time.Hour

	// PairingCodeTTL is how long a pairing code shown to the moderator stays valid
	PairingCodeTTL = 5 * time.Minute
)

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)

// Messaging pipeline constants
const (
	// DefaultMaxAttempts is the number of real send attempts before a message becomes terminal
	DefaultMaxAttempts = 3

	MinCommandPriority = 0
	MaxCommandPriority = 1000

	MinCommandTTL     = 10 * time.Second
	MaxCommandTTL     = 30 * time.Minute
	DefaultCommandTTL = 2 * time.Minute
)

// Redis key suffixes, prefixed with CacheConfig.RedisPrefix
const (
	DispatchLockKeyFormat = "lock:dispatch:moderator:%d"
	PairingCodeKeyFormat  = "pairing:code:%s"
	EventsChannelFormat   = "events:moderator:%d"
)

type contextKey string

// Request scoped context keys
const (
	RequestIDKey  contextKey = "request_id"
	UserAgentKey  contextKey = "user_agent"
	IPAddressKey  contextKey = "ip_address"
	EndpointKey   contextKey = "endpoint"
	TimeoutKey    contextKey = "timeout"
	CancelFuncKey contextKey = "cancel_func"
)
