package quota

import "time"

// DayLayout is the calendar-day format stored on accounts.
const DayLayout = "2006-01-02"

// Account is the slice of a user record the ledger owns.
type Account struct {
	UserID           string    `json:"user_id"`
	IsAdmin          bool      `json:"is_admin"`
	TrustLevel       int       `json:"trust_level"`
	DailyQuota       int       `json:"daily_quota"`
	TodayUsedCount   int       `json:"today_used_count"`
	LastUsedDay      string    `json:"last_used_day"`
	TotalGenerations int64     `json:"total_generations"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Rollover zeroes today's counter if it refers to an earlier day. It
// reports whether anything changed.
func (a *Account) Rollover(today string) bool {
	if a.LastUsedDay == today {
		return false
	}
	a.TodayUsedCount = 0
	a.LastUsedDay = today
	return true
}

// Remaining returns how many more jobs may complete today. Admins are
// reported against their informational quota.
func (a *Account) Remaining() int {
	if r := a.DailyQuota - a.TodayUsedCount; r > 0 {
		return r
	}
	return 0
}

// Profile is what an authenticated touch knows about a user.
type Profile struct {
	UserID     string
	IsAdmin    bool
	TrustLevel int
	DailyQuota int
}
