package network

import (
	"time"
)

// Roles of the dataset components a signed URL can address, besides item identifiers.
const (
	RoleManifest      = "manifest"
	RoleReadme        = "readme"
	RoleAdminMetadata = "admin_metadata"
)

// SignedURL is a single pre-authorized URL and the instant it stops being accepted.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Expired reports whether the URL must not be used at now.
func (u SignedURL) Expired(now time.Time) bool {
	return !now.Before(u.ExpiresAt)
}

// SignedURLSet holds the read URLs of one dataset. It is never renewed in place:
// once expired a fresh set has to be requested.
type SignedURLSet struct {
	URI           string
	ExpiresAt     time.Time
	Manifest      string
	Readme        string
	AdminMetadata string
	Items         map[string]string
	Overlays      map[string]string
	Annotations   map[string]string
	Tags          []string
}

// Expired reports whether the set must not be used at now.
func (s SignedURLSet) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// URL returns the URL for a role (manifest, readme, admin_metadata) or an item identifier.
func (s SignedURLSet) URL(role string) (string, bool) {
	var u string
	switch role {
	case RoleManifest:
		u = s.Manifest
	case RoleReadme:
		u = s.Readme
	case RoleAdminMetadata:
		u = s.AdminMetadata
	default:
		u = s.Items[role]
	}
	return u, u != ""
}

// WriteURLSet holds the URLs the client has to fill itself when creating a dataset.
// Manifest is only set by gateways that leave writing the manifest to the client.
type WriteURLSet struct {
	URI       string
	ExpiresAt time.Time
	Readme    string
	Manifest  string
	Items     map[string]ItemWriteURL
}

// ItemWriteURL ...
type ItemWriteURL struct {
	URL     string
	RelPath string
}

// Expired reports whether the set must not be used at now.
func (s WriteURLSet) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Descriptor declares a dataset's identity and full item list before any content is written.
type Descriptor struct {
	UUID            string
	Name            string
	CreatorUsername string
	FrozenAt        time.Time
	Items           []DescriptorItem
	Readme          string
	Tags            []string
	Annotations     map[string]interface{}
}

// DescriptorItem ...
type DescriptorItem struct {
	Identifier   string
	RelPath      string
	SizeInBytes  int64
	Hash         string
	UTCTimestamp float64
}

// Completion is the backend's answer to the upload-complete signal.
type Completion struct {
	Status string
	URI    string
	Name   string
	UUID   string
}

// CompletionSuccess is the status reported once a dataset is registered.
const CompletionSuccess = "success"

// Succeeded ...
func (c Completion) Succeeded() bool {
	return c.Status == CompletionSuccess
}

// expiry computes the instant a set obtained at obtainedAt stops being valid. The
// earlier of the relative and the absolute expiry wins; a missing value does not take
// part. A set carrying neither expires at obtainedAt.
func expiry(obtainedAt time.Time, expirySeconds *int64, expiryTimestamp string) time.Time {
	var (
		exp   time.Time
		found bool
	)
	if expirySeconds != nil {
		exp = obtainedAt.Add(time.Duration(*expirySeconds) * time.Second)
		found = true
	}
	if ts, ok := parseExpiryTimestamp(expiryTimestamp); ok && (!found || ts.Before(exp)) {
		exp = ts
		found = true
	}
	if !found {
		return obtainedAt
	}
	return exp
}

func parseExpiryTimestamp(expiryTimestamp string) (time.Time, bool) {
	if expiryTimestamp == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, expiryTimestamp); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
