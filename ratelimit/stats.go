package ratelimit

import "time"

// Stats aggregates limiter activity for the security endpoint. Window
// counters cover the last hour of retained records; lifetime counters
// survive sweeps but not Clear.
type Stats struct {
	TotalAttemptsLastHour int         `json:"total_attempts_last_hour"`
	SuccessfulAttempts    int         `json:"successful_attempts"`
	FailedAttempts        int         `json:"failed_attempts"`
	UniqueUsers           int         `json:"unique_users"`
	UniqueDevices         int         `json:"unique_devices"`
	TotalRecords          int         `json:"total_records"`
	Config                StatsConfig `json:"config"`
}

// StatsConfig echoes the active limiter configuration.
type StatsConfig struct {
	MaxAttemptsPerMinute int     `json:"max_attempts_per_minute"`
	MaxFailedAttempts    int     `json:"max_failed_attempts"`
	LockoutSeconds       float64 `json:"lockout_duration_seconds"`
}

// UserStatus reports the limiter view of one (device, user) pair.
type UserStatus struct {
	UserID                  string  `json:"user_id"`
	DeviceID                string  `json:"device_id"`
	AttemptsLastMinute      int     `json:"attempts_last_minute"`
	FailedAttemptsRecent    int     `json:"failed_attempts_recent"`
	IsLockedOut             bool    `json:"is_locked_out"`
	LockoutExpires          string  `json:"lockout_expires,omitempty"`
	RemainingLockoutSeconds float64 `json:"remaining_lockout_seconds"`
}

// GetStats snapshots aggregate counters over the last hour of retained
// records.
func (l *Limiter) GetStats() Stats {
	now := l.now()
	cutoff := now.Add(-time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{
		Config: StatsConfig{
			MaxAttemptsPerMinute: l.cfg.MaxAttemptsPerMinute,
			MaxFailedAttempts:    l.cfg.MaxFailedAttempts,
			LockoutSeconds:       l.cfg.LockoutDuration.Seconds(),
		},
	}
	users := make(map[string]struct{})
	devices := make(map[string]struct{})
	for k, v := range l.attempts {
		st.TotalRecords += len(v)
		sawRecent := false
		for _, a := range v {
			if a.at.Before(cutoff) {
				continue
			}
			sawRecent = true
			st.TotalAttemptsLastHour++
			if a.success {
				st.SuccessfulAttempts++
			} else {
				st.FailedAttempts++
			}
		}
		if sawRecent {
			users[k.userID] = struct{}{}
			devices[k.deviceID] = struct{}{}
		}
	}
	st.UniqueUsers = len(users)
	st.UniqueDevices = len(devices)
	return st
}

// GetUserStatus reports lockout and window state for one pair.
func (l *Limiter) GetUserStatus(deviceID string, userID string) UserStatus {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	us := UserStatus{UserID: userID, DeviceID: deviceID}
	recent := l.attempts[key{deviceID, userID}]

	var lastFailed time.Time
	for _, a := range recent {
		if now.Sub(a.at) <= attemptWindow {
			us.AttemptsLastMinute++
		}
		if !a.success && now.Sub(a.at) <= l.cfg.LockoutDuration {
			us.FailedAttemptsRecent++
			if a.at.After(lastFailed) {
				lastFailed = a.at
			}
		}
	}
	if us.FailedAttemptsRecent >= l.cfg.MaxFailedAttempts {
		expiry := lastFailed.Add(l.cfg.LockoutDuration)
		if remaining := expiry.Sub(now); remaining > 0 {
			us.IsLockedOut = true
			us.LockoutExpires = expiry.UTC().Format(time.RFC3339)
			us.RemainingLockoutSeconds = remaining.Seconds()
		}
	}
	return us
}
