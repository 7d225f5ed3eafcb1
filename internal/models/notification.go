// internal/models/notification.go
package models

import "time"

// Channel is a delivery channel for a notification.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
	ChannelInApp Channel = "IN_APP"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// RequiresDispatch reports whether the channel needs an outbound send.
// IN_APP is satisfied by persistence alone.
func (c Channel) RequiresDispatch() bool {
	return c == ChannelEmail || c == ChannelPush
}

// AllChannels lists every known channel.
var AllChannels = []Channel{ChannelEmail, ChannelPush, ChannelInApp}

// NotificationType identifies the workspace event a notification was composed from.
type NotificationType string

const (
	TypeWorkspaceCreated    NotificationType = "WORKSPACE_CREATED"
	TypeUserAdded           NotificationType = "USER_ADDED"
	TypeTeamCreated         NotificationType = "TEAM_CREATED"
	TypeDepartmentCreated   NotificationType = "DEPARTMENT_CREATED"
	TypeTaskAssigned        NotificationType = "TASK_ASSIGNED"
	TypeTaskCompleted       NotificationType = "TASK_COMPLETED"
	TypeTaskCommented       NotificationType = "TASK_COMMENTED"
	TypeDeadlineApproaching NotificationType = "DEADLINE_APPROACHING"
)

// AllNotificationTypes lists every known type, in declaration order.
var AllNotificationTypes = []NotificationType{
	TypeWorkspaceCreated,
	TypeUserAdded,
	TypeTeamCreated,
	TypeDepartmentCreated,
	TypeTaskAssigned,
	TypeTaskCompleted,
	TypeTaskCommented,
	TypeDeadlineApproaching,
}

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	for _, known := range AllNotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Notification is the durable record of one composed notification. Records are
// immutable after creation except for the read flag and read timestamp. Channels
// records the delivery decision made at compose time, not the transport outcome.
type Notification struct {
	ID          string                 `json:"id"`
	RecipientID string                 `json:"recipientId"`
	WorkspaceID string                 `json:"workspaceId"`
	Type        NotificationType       `json:"type"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Channels    []Channel              `json:"channels"`
	Read        bool                   `json:"read"`
	CreatedAt   time.Time              `json:"createdAt"`
	ReadAt      *time.Time             `json:"readAt,omitempty"`
}

// Preferences holds the per-(user, workspace) channel switches. TypeOverrides maps
// a notification type to a channel allow-list that further narrows the master
// switches for that type only; it cannot re-enable a disabled channel.
type Preferences struct {
	UserID        string                         `json:"userId"`
	WorkspaceID   string                         `json:"workspaceId"`
	EmailEnabled  bool                           `json:"emailEnabled"`
	PushEnabled   bool                           `json:"pushEnabled"`
	InAppEnabled  bool                           `json:"inAppEnabled"`
	TypeOverrides map[NotificationType][]Channel `json:"typeOverrides,omitempty"`
	UpdatedAt     time.Time                      `json:"updatedAt"`
}

// DefaultPreferences returns the safe default used when no preference row exists:
// every channel enabled, no per-type overrides. A user never loses a notification
// merely because they never configured preferences.
func DefaultPreferences(userID, workspaceID string) *Preferences {
	return &Preferences{
		UserID:       userID,
		WorkspaceID:  workspaceID,
		EmailEnabled: true,
		PushEnabled:  true,
		InAppEnabled: true,
	}
}

// PreferencesUpdate is a partial update: nil fields keep the prior value. A non-nil
// TypeOverrides merges per type into the existing mapping.
type PreferencesUpdate struct {
	EmailEnabled  *bool                          `json:"emailEnabled,omitempty"`
	PushEnabled   *bool                          `json:"pushEnabled,omitempty"`
	InAppEnabled  *bool                          `json:"inAppEnabled,omitempty"`
	TypeOverrides map[NotificationType][]Channel `json:"typeOverrides,omitempty"`
}

// FeedOptions selects a page of a user's notification feed.
type FeedOptions struct {
	Page       int                `json:"page"`
	Limit      int                `json:"limit"`
	UnreadOnly bool               `json:"unreadOnly"`
	Types      []NotificationType `json:"types,omitempty"`
}

// Feed is one page of notifications plus the scope's counters.
type Feed struct {
	Notifications []*Notification `json:"notifications"`
	Total         int             `json:"total"`
	UnreadCount   int64           `json:"unreadCount"`
}
