package document

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	revMu      sync.Mutex
	revEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewRevision returns a fresh opaque revision token. Tokens issued by the
// same process are strictly increasing, and tokens issued anywhere order
// by issue time with a random tiebreak, so two replicas can pick the same
// winner for a diverged document by comparing tokens.
func NewRevision() string {
	revMu.Lock()
	defer revMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), revEntropy).String()
}

// CompareRevisions orders two revision tokens. Empty sorts first so that
// any real revision beats an unwritten document.
func CompareRevisions(a, b string) int {
	switch {
	case a == b:
		return 0
	case a < b:
		return -1
	default:
		return 1
	}
}
