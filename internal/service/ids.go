package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// newExternalID formats the human-readable id, e.g. NTF-1767225600000-a1b2c3.
func newExternalID(now time.Time) string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("NTF-%d-%s", now.UnixMilli(), hex.EncodeToString(b[:]))
}
