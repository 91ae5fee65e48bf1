package utils

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	clockMu   sync.Mutex
	lastNowMS int64
)

// NowMS returns wall-clock milliseconds. It never goes backward within the
// process even if the OS clock does.
func NowMS() int64 {
	clockMu.Lock()
	defer clockMu.Unlock()

	now := time.Now().UnixMilli()
	if now < lastNowMS {
		return lastNowMS
	}
	lastNowMS = now
	return now
}

// NewID returns a fresh collision-resistant identifier.
func NewID() string {
	return uuid.NewString()
}
