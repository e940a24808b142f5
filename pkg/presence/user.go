package presence

import (
	"time"
)

// user is the per-username record owned by the Directory. All fields are
// guarded by Directory.mu.
type user struct {
	username string
	secret   secret
	order    int // position in the credential source

	online           bool
	blocked          bool
	blockedSince     time.Time
	consecutiveFails int
	lastActivity     time.Time
	lastLogin        time.Time
	blockedUsers     map[string]struct{}

	handle Handle // non-nil iff online
}

func newUser(cred Credential, order int) *user {
	return &user{
		username:     cred.Username,
		secret:       newSecret(cred.Password),
		order:        order,
		blockedUsers: make(map[string]struct{}),
	}
}

// hasBlocked reports whether this user refuses messages from sender.
func (u *user) hasBlocked(sender string) bool {
	_, ok := u.blockedUsers[sender]
	return ok
}

// lockoutExpired reports whether a login lockout has run its course.
func (u *user) lockoutExpired(now time.Time, blockDuration time.Duration) bool {
	return u.blocked && !now.Before(u.blockedSince.Add(blockDuration))
}

func (u *user) clearLockout() {
	u.blocked = false
	u.blockedSince = time.Time{}
	u.consecutiveFails = 0
}

func (u *user) snapshot() UserState {
	blocked := make([]string, 0, len(u.blockedUsers))
	for name := range u.blockedUsers {
		blocked = append(blocked, name)
	}
	return UserState{
		Username:         u.username,
		Online:           u.online,
		Blocked:          u.blocked,
		BlockedSince:     u.blockedSince,
		ConsecutiveFails: u.consecutiveFails,
		LastActivity:     u.lastActivity,
		LastLogin:        u.lastLogin,
		BlockedUsers:     blocked,
	}
}

// UserState is a point-in-time copy of a user's record, safe to read without
// holding the directory lock.
type UserState struct {
	Username         string    `json:"username"`
	Online           bool      `json:"online"`
	Blocked          bool      `json:"blocked"`
	BlockedSince     time.Time `json:"blocked_since,omitzero"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastActivity     time.Time `json:"last_activity,omitzero"`
	LastLogin        time.Time `json:"last_login,omitzero"`
	BlockedUsers     []string  `json:"blocked_users"`
	Pending          int       `json:"pending"` // only filled by Directory.Snapshot
}
