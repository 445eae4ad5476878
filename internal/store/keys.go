package store

import (
	"BackstopBootstrapper/internal/state"
	"fmt"
)

// Key layout. Instance singletons live at the top level; per-bootstrap
// records are prefixed with the bootstrap id.
const (
	keyInstance   = "instance"
	keyNextID     = "next_id"
	keyAppliedSeq = "meta/applied_seq"
	prefixBlob    = "blob/"
)

func configKey(id uint32) string { return fmt.Sprintf("config/%010d", id) }

func dataKey(id uint32) string { return fmt.Sprintf("data/%010d", id) }

func depositKey(id uint32, user state.Address) string {
	return fmt.Sprintf("deposit/%010d/%s", id, user)
}

func settlementKey(id uint32, user state.Address) string {
	return fmt.Sprintf("settle/%010d/%s", id, user)
}

func refundPoolKey(id uint32) string { return fmt.Sprintf("refund/%010d", id) }

func blobKey(name string) string { return prefixBlob + name }
