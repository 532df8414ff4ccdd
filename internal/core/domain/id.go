package domain

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewDocumentID returns a ULID: lexicographically sortable and monotonic
// within the same millisecond.
func NewDocumentID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), idEntropy).String()
}

func ValidDocumentID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// DocumentIDTime returns the creation timestamp embedded in a document id.
func DocumentIDTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
