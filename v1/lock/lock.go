package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
)

const (
	// TTLNoKey is returned by RemainingTTL when the key does not exist.
	TTLNoKey time.Duration = -2
	// TTLNoExpiry is returned by RemainingTTL when the key has no lease.
	TTLNoExpiry time.Duration = -1
)

// Store is a thin client over an external store offering atomic
// set-if-absent with TTL and compare-and-delete.
type Store interface {
	// Acquire makes one attempt to create key for owner with the given lease.
	// Contention yields ok=false with a nil error.
	Acquire(ctx context.Context, key string, owner Owner, lease time.Duration) (token string, ok bool, err error)
	// Release deletes key only if it still holds token. It returns false when
	// the key is already gone or owned by someone else.
	Release(ctx context.Context, key, token string) (bool, error)
	// ForceRelease deletes key regardless of owner.
	ForceRelease(ctx context.Context, key string) (bool, error)
	IsLocked(ctx context.Context, key string) (bool, error)
	// RemainingTTL returns TTLNoKey for missing keys.
	RemainingTTL(ctx context.Context, key string) (time.Duration, error)
	// Holder returns the token currently stored under key.
	Holder(ctx context.Context, key string) (string, bool, error)
	// Scan lists keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Owner identifies the logical caller holding a lock.
type Owner struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
	Request  string `json:"request"`
}

func (o Owner) String() string {
	return o.Service + "@" + o.Instance + "/" + o.Request
}

const tokenSep = "|"

// ValidateName rejects owner name parts that would break token parsing.
func ValidateName(name string) error {
	if strings.Contains(name, tokenSep) {
		return fmt.Errorf("name %q must not contain %q", name, tokenSep)
	}
	return nil
}

// SanitizeName replaces the token separator in name.
func SanitizeName(name string) string {
	return strings.ReplaceAll(name, tokenSep, "_")
}

// NewToken returns a unique owner token embedding o. Separators inside the
// owner parts are replaced so that ParseToken always recovers them.
func NewToken(o Owner) string {
	return strings.Join([]string{
		SanitizeName(o.Service),
		SanitizeName(o.Instance),
		SanitizeName(o.Request),
		uuid.NewString(),
	}, tokenSep)
}

// ParseToken recovers the owner embedded in a token created by NewToken.
func ParseToken(token string) (Owner, bool) {
	parts := strings.Split(token, tokenSep)
	if len(parts) != 4 {
		return Owner{}, false
	}
	return Owner{Service: parts[0], Instance: parts[1], Request: parts[2]}, true
}

// NewInstanceID returns a random identifier for a process instance.
func NewInstanceID() string {
	id, err := hcuuid.GenerateUUID()
	if err != nil {
		return fmt.Sprintf("instance-%d", time.Now().UnixNano())
	}
	return id
}

type requestIDKey struct{}

// WithRequestID tags ctx with the id of the logical request. Acquisitions of
// the same key under the same request id are reentrant.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// Status is the lifecycle state of a lock record.
type Status int32

const (
	StatusActive Status = iota
	StatusExpired
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusExpired:
		return "EXPIRED"
	case StatusReleased:
		return "RELEASED"
	}
	return "UNKNOWN"
}

// Record describes one held lock.
type Record struct {
	Key             string        `json:"key"`
	Owner           Owner         `json:"owner"`
	AcquiredAt      time.Time     `json:"acquired_at"`
	Lease           time.Duration `json:"lease"`
	BusinessContext string        `json:"business_context,omitempty"`
	Status          Status        `json:"status"`
	// RemainingTTL is filled in by store scans.
	RemainingTTL time.Duration `json:"remaining_ttl,omitempty"`
	// Estimated is set when AcquiredAt was derived from the remaining TTL.
	Estimated bool `json:"estimated,omitempty"`
}
