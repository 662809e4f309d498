package storage

import "time"

// Entry is a stored value with its optional absolute expiry
type Entry struct {
	Data   []byte
	Expiry *time.Time
}

// IsExpired returns true if the entry has an expiry that is not in the future
func (e Entry) IsExpired() bool {
	return e.expiredAt(time.Now())
}

func (e Entry) expiredAt(now time.Time) bool {
	return e.Expiry != nil && !now.Before(*e.Expiry)
}

// TTL returns the remaining time to live, -1 for no expiry
func (e Entry) TTL() time.Duration {
	if e.Expiry == nil {
		return -1
	}
	ttl := time.Until(*e.Expiry)
	if ttl < 0 {
		return 0
	}
	return ttl
}

func cloneEntry(e Entry) Entry {
	out := Entry{Data: append([]byte(nil), e.Data...)}
	if e.Expiry != nil {
		exp := *e.Expiry
		out.Expiry = &exp
	}
	return out
}
