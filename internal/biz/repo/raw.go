package repo

// RawRequest is a low-level capability call passed to Transport.Invoke
type RawRequest interface {
	Method() string
}

// Shortcut is a saved quick-reply message
type Shortcut struct {
	ID   string
	Name string
}

// RawResponse carries whatever a raw request returns
type RawResponse struct {
	Shortcuts []Shortcut
}

// CreateShortcut saves a named quick reply containing Text
type CreateShortcut struct {
	Name string
	Text string
}

func (CreateShortcut) Method() string { return "shortcuts.create" }

// DeleteShortcut removes a quick reply by id
type DeleteShortcut struct {
	ShortcutID string
}

func (DeleteShortcut) Method() string { return "shortcuts.delete" }

// ListShortcuts lists the account's quick replies
type ListShortcuts struct{}

func (ListShortcuts) Method() string { return "shortcuts.list" }

// AwayRecipients selects who receives the away message
type AwayRecipients string

const (
	AwayRecipientsAll AwayRecipients = "all"
)

// SetAwayMessage registers a shortcut as the account's away message
type SetAwayMessage struct {
	ShortcutID  string
	OfflineOnly bool
	Permanent   bool // schedule: always, rather than a time window
	Recipients  AwayRecipients
}

func (SetAwayMessage) Method() string { return "away.set" }

// ClearAwayMessage disables the away message
type ClearAwayMessage struct{}

func (ClearAwayMessage) Method() string { return "away.clear" }

// UpdatePresence sets the account's online status
type UpdatePresence struct {
	Offline bool
}

func (UpdatePresence) Method() string { return "presence.update" }
