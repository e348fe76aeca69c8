package domain

type ctxKey string

const RequesterIdCtxKey ctxKey = "tg-requesterId"

const (
	RequesterIdHeader = "tg-requester-address"
)

// Default gateway policy values.
const (
	DefaultRateLimit       = 30
	DefaultRateWindowSec   = 60
	DefaultGuardWindowSec  = 5
	DefaultRegistryTimeout = 3
	DefaultConsumeTimeout  = 30
	DefaultMaxBodyBytes    = 4096
)
