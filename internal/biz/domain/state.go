package domain

// AccountState is the per-account delivery state. Reconciliation is its only transition function.
type AccountState string

const (
	StateUnprobed          AccountState = "unprobed"
	StateNative            AccountState = "native"
	StateFallbackConnected AccountState = "fallback_connected"
	StateFallbackPolling   AccountState = "fallback_polling"
	StateDisabled          AccountState = "disabled"
)

// ConnMode describes what a persistent connection is kept open for
type ConnMode string

const (
	ConnModeNative         ConnMode = "native"
	ConnModeGroupsFallback ConnMode = "groups_fallback"
	ConnModeDMFallback     ConnMode = "dm_fallback"
	ConnModeBoth           ConnMode = "both"
)

// CoversDM reports whether the connection must answer direct messages
func (m ConnMode) CoversDM() bool {
	return m == ConnModeDMFallback || m == ConnModeBoth
}

// CoversGroups reports whether the connection must answer group messages
func (m ConnMode) CoversGroups() bool {
	return m == ConnModeGroupsFallback || m == ConnModeBoth
}

// ProbeOutcome is the result of a native capability setup attempt
type ProbeOutcome string

const (
	ProbeNone             ProbeOutcome = ""
	ProbeActive           ProbeOutcome = "active"
	ProbeCapabilityAbsent ProbeOutcome = "capability_absent"
	ProbeTransient        ProbeOutcome = "transient"
	ProbeSessionInvalid   ProbeOutcome = "session_invalid"
)

// Plan is the minimal set of mechanisms the current settings require
type Plan struct {
	State          AccountState
	NeedConnection bool
	NeedPolling    bool
	Mode           ConnMode
}

// DecidePlan computes the mechanisms for an account given whether direct
// messages are already covered by the platform's away message.
//
// A reply type without a message text cannot produce replies and is treated
// as disabled. Connection and polling are never both required: a positive
// check interval selects polling for the whole fallback portion.
func DecidePlan(cfg *ReplyConfig, nativeCovered bool) Plan {
	dm := cfg.DMReady()
	groups := cfg.GroupsReady()
	if !dm && !groups {
		return Plan{State: StateDisabled}
	}

	dmFallback := dm && !nativeCovered
	if !dmFallback && !groups {
		return Plan{State: StateNative, Mode: ConnModeNative}
	}

	if cfg.CheckIntervalSeconds > 0 {
		return Plan{State: StateFallbackPolling, NeedPolling: true}
	}

	mode := ConnModeGroupsFallback
	switch {
	case dmFallback && groups:
		mode = ConnModeBoth
	case dmFallback:
		mode = ConnModeDMFallback
	}
	return Plan{State: StateFallbackConnected, NeedConnection: true, Mode: mode}
}
