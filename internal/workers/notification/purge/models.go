// internal/workers/notification/purge/models.go
package purge

type Input struct {
	DaysOld int `json:"daysOld,omitempty"` // falls back to the configured default
}

type Output struct {
	Deleted int64  `json:"deleted"`
	SweptAt string `json:"sweptAt"` // ISO 8601
	DaysOld int    `json:"daysOld"`
}
