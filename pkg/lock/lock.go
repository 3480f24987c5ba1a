package lock

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of a lock created locally.
const DefaultTTL = 5 * time.Minute

// EditLock is an exclusive, optionally sectioned, right to modify an object.
// Times are Unix milliseconds.
type EditLock struct {
	ID         string `json:"id,omitempty"`
	ObjectID   string `json:"objectId"`
	ObjectType string `json:"objectType"`
	SectionID  string `json:"sectionId,omitempty"`
	UserID     string `json:"userId"`
	AcquiredAt int64  `json:"acquiredAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// ValidAt reports whether the lock has not expired at now.
func (l EditLock) ValidAt(now time.Time) bool {
	return l.ExpiresAt > now.UnixMilli()
}

// Key identifies what the lock covers.
func (l EditLock) Key() string {
	return Key(l.ObjectType, l.ObjectID, l.SectionID)
}

func Key(objectType, objectID, sectionID string) string {
	k := objectType + ":" + objectID
	if sectionID != "" {
		k += "#" + sectionID
	}
	return k
}

// CreateEditLock builds a lock held by userID from now on. A ttl of zero
// or less means DefaultTTL.
func CreateEditLock(objectID, objectType, userID string, ttl time.Duration) EditLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	return EditLock{
		ID:         uuid.NewString(),
		ObjectID:   objectID,
		ObjectType: objectType,
		UserID:     userID,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(ttl).UnixMilli(),
	}
}

// IsEditLocked reports whether locks holds an unexpired lock on the object.
func IsEditLocked(objectID, objectType string, locks []EditLock) bool {
	return IsEditLockedAt(objectID, objectType, locks, time.Now())
}

func IsEditLockedAt(objectID, objectType string, locks []EditLock, now time.Time) bool {
	for _, l := range locks {
		if l.ObjectID == objectID && l.ObjectType == objectType && l.ValidAt(now) {
			return true
		}
	}
	return false
}
