package cache

import (
	"errors"
	"fmt"
)

// ErrUnknownDomain is returned for a domain outside AllDomains.
var ErrUnknownDomain = errors.New("unknown cache domain")

// CacheError is a backend failure inside the cache. For the generation and
// tool domains it is logged and turned into a miss.
type CacheError struct {
	Domain      Domain
	Op          string
	Fingerprint string
	Err         error
}

// NewCacheError creates a CacheError.
func NewCacheError(domain Domain, op, fingerprint string, err error) *CacheError {
	return &CacheError{Domain: domain, Op: op, Fingerprint: fingerprint, Err: err}
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s %s: %v", e.Domain, e.Op, e.Fingerprint, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}
