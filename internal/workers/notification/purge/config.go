// internal/workers/notification/purge/config.go
package purge

import "time"

const TaskType = "purge-notifications"

type Config struct {
	DefaultDaysOld int
	Timeout        time.Duration
}

func LoadConfig() *Config {
	return &Config{
		DefaultDaysOld: 90,
		Timeout:        5 * time.Minute,
	}
}
