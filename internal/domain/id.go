package domain

import "github.com/google/uuid"

const (
	PrefixSignal       = "sig_"
	PrefixTask         = "tsk_"
	PrefixHistory      = "his_"
	PrefixNotification = "ntf_"
	PrefixSnapshot     = "snp_"
)

// NewID returns a time-sortable UUIDv7 with the given entity prefix.
func NewID(prefix string) string {
	return prefix + uuid.Must(uuid.NewV7()).String()
}
