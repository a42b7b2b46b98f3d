package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// ReplyConfig is the per-account auto-reply configuration owned by the settings store.
// Only NativeModeActive and NativeShortcutID are ever written back by this service.
type ReplyConfig struct {
	AccountID            string
	DMEnabled            bool
	DMMessage            string
	GroupsEnabled        bool
	GroupsMessage        string
	CheckIntervalSeconds int // 0 = event-driven only
	NativeModeActive     bool
	NativeShortcutID     string
}

// AnyEnabled reports whether at least one reply type is switched on
func (c *ReplyConfig) AnyEnabled() bool {
	return c.DMEnabled || c.GroupsEnabled
}

// DMReady reports whether direct replies can actually be sent
func (c *ReplyConfig) DMReady() bool {
	return c.DMEnabled && c.DMMessage != ""
}

// GroupsReady reports whether group replies can actually be sent
func (c *ReplyConfig) GroupsReady() bool {
	return c.GroupsEnabled && c.GroupsMessage != ""
}

// CheckInterval returns the polling interval, zero when event-driven
func (c *ReplyConfig) CheckInterval() time.Duration {
	if c.CheckIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// Fingerprint identifies the settings state that decides mechanisms.
// The native fields are excluded: they are outputs of reconciliation, not inputs.
func (c *ReplyConfig) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		c.AccountID,
		strconv.FormatBool(c.DMEnabled),
		c.DMMessage,
		strconv.FormatBool(c.GroupsEnabled),
		c.GroupsMessage,
		strconv.Itoa(c.CheckIntervalSeconds),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
