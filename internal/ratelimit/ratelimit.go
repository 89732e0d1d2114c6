// Package ratelimit gates expensive resource classes per caller identity with
// a fixed window that resets on first use after expiry.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Class is a category of protected operation with its own quota.
type Class string

const (
	ClassUpload    Class = "upload"
	ClassText      Class = "text"
	ClassImage     Class = "image"
	ClassImageEdit Class = "image-edit"
	ClassVideo     Class = "video"
)

// Rule is the quota for one class. Quota <= 0 disables limiting.
type Rule struct {
	Quota  int
	Window time.Duration
}

// Rules maps classes to their rule; Default applies to classes not listed.
type Rules struct {
	Default Rule
	ByClass map[Class]Rule
}

// DefaultRules is 10 requests per hour for every inference class and no
// limit on uploads.
func DefaultRules() Rules {
	hour := Rule{Quota: 10, Window: time.Hour}
	return Rules{
		Default: hour,
		ByClass: map[Class]Rule{
			ClassUpload:    {Quota: 0, Window: time.Hour},
			ClassText:      hour,
			ClassImage:     hour,
			ClassImageEdit: hour,
			ClassVideo:     hour,
		},
	}
}

func (r Rules) For(class Class) Rule {
	if rule, ok := r.ByClass[class]; ok {
		return rule
	}
	return r.Default
}

// Decision is the result of a CheckAndConsume call.
type Decision struct {
	Allowed bool
	Count   int
	Quota   int
	ResetAt time.Time
}

// Limiter admits or denies one attempt for (identity, class). Implementations
// serialize the read-modify-write of a key so concurrent callers can never
// push the effective quota above the configured one.
type Limiter interface {
	CheckAndConsume(ctx context.Context, identity string, class Class) (Decision, error)
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
