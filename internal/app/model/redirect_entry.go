package model

import "time"

// RedirectEntry is the cached projection of a Link used by the resolver.
// Expiration and Start are epoch milliseconds.
type RedirectEntry struct {
	URL        string  `json:"url"`
	ID         string  `json:"id"`
	Password   *string `json:"password,omitempty"`
	Expiration *int64  `json:"expiration,omitempty"`
	Start      *int64  `json:"start,omitempty"`
}

// EntryFromLink projects a link into its cache representation.
func EntryFromLink(l *Link) RedirectEntry {
	entry := RedirectEntry{
		URL: l.DestinationURL,
		ID:  l.ID,
	}
	if l.HasPassword() {
		hash := *l.PasswordHash
		entry.Password = &hash
	}
	if l.ExpiresAt != nil {
		ms := l.ExpiresAt.UnixMilli()
		entry.Expiration = &ms
	}
	if l.StartsAt != nil {
		ms := l.StartsAt.UnixMilli()
		entry.Start = &ms
	}
	return entry
}

// Restriction names the gate that blocks a direct redirect.
type Restriction string

const (
	RestrictionNone       Restriction = ""
	RestrictionPassword   Restriction = "password"
	RestrictionExpired    Restriction = "expired"
	RestrictionNotStarted Restriction = "not_started"
)

// RestrictionAt evaluates the entry's gates in order: password, expiry, start.
func (e RedirectEntry) RestrictionAt(now time.Time) Restriction {
	if e.Password != nil && *e.Password != "" {
		return RestrictionPassword
	}
	nowMS := now.UnixMilli()
	if e.Expiration != nil && nowMS > *e.Expiration {
		return RestrictionExpired
	}
	if e.Start != nil && nowMS < *e.Start {
		return RestrictionNotStarted
	}
	return RestrictionNone
}
