package realtime

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var idMu sync.Mutex
var idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// NewMessageID returns a ULID used when a client did not supply a message id.
// ULIDs sort by creation time, which keeps log and store ordering readable.
func NewMessageID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), idEntropy).String()
}
