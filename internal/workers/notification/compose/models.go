// internal/workers/notification/compose/models.go
package compose

type Input struct {
	RecipientID string                 `json:"recipientId"`
	WorkspaceID string                 `json:"workspaceId"`
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Channels    []string               `json:"channels,omitempty"`
}

type Output struct {
	NotificationID string   `json:"notificationId"`
	Channels       []string `json:"channels"`  // effective channels after preference filtering
	CreatedAt      string   `json:"createdAt"` // ISO 8601
}
