// internal/workers/notification/compose/config.go
package compose

import "time"

const TaskType = "compose-notification"

type Config struct {
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
	}
}
