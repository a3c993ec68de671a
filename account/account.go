// Package account owns account records, account types and registration keys.
// Accounts are never hard-deleted; attribution erasure goes through each
// service's null account, and "delete all my content" replays the normal
// delete path in the repository package.
package account

import (
	"encoding/json"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/bandwidth"
)

// Type is an account type: a permission map plus bandwidth rules and an
// auto-creation velocity.
type Type struct {
	ID        int64
	ServiceID int64
	Title     string
	// IsNull marks the per-service sentinel type used for attribution
	// erasure. It grants nothing and cannot be issued.
	IsNull bool

	Permissions       map[hydrus.ContentType]hydrus.Permission
	BandwidthRules    bandwidth.Rules
	AutoCreateCount   int64 // accounts per period; zero disables
	AutoCreatePeriod  int64 // seconds
	AutoCreateTracker *bandwidth.Tracker
}

// typeDump is the persisted dictionary column of an account type.
type typeDump struct {
	Permissions       map[hydrus.ContentType]hydrus.Permission `json:"permissions,omitempty"`
	BandwidthRules    bandwidth.Rules                          `json:"bandwidth_rules,omitempty"`
	AutoCreateCount   int64                                    `json:"auto_create_count,omitempty"`
	AutoCreatePeriod  int64                                    `json:"auto_create_period,omitempty"`
	AutoCreateTracker *bandwidth.Tracker                       `json:"auto_create_tracker,omitempty"`
}

func (t *Type) encodeDump() (string, error) {
	b, err := json.Marshal(typeDump{
		Permissions:       t.Permissions,
		BandwidthRules:    t.BandwidthRules,
		AutoCreateCount:   t.AutoCreateCount,
		AutoCreatePeriod:  t.AutoCreatePeriod,
		AutoCreateTracker: t.AutoCreateTracker,
	})
	return string(b), err
}

func (t *Type) decodeDump(raw string) error {
	var d typeDump
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return err
		}
	}
	t.Permissions = d.Permissions
	if t.Permissions == nil {
		t.Permissions = map[hydrus.ContentType]hydrus.Permission{}
	}
	t.BandwidthRules = d.BandwidthRules
	t.AutoCreateCount = d.AutoCreateCount
	t.AutoCreatePeriod = d.AutoCreatePeriod
	t.AutoCreateTracker = d.AutoCreateTracker
	if t.AutoCreateTracker == nil {
		t.AutoCreateTracker = bandwidth.NewTracker()
	}
	return nil
}

// CanAutoCreate applies the velocity rule to the type's creation history.
func (t *Type) CanAutoCreate() bool {
	if t.AutoCreateCount <= 0 {
		return false
	}
	rules := bandwidth.NewRules(bandwidth.Rule{
		Kind: bandwidth.Requests, Window: t.AutoCreatePeriod, Max: uint64(t.AutoCreateCount),
	})
	return rules.CanStartRequest(t.AutoCreateTracker)
}

// Ban is the active ban on an account, if any.
type Ban struct {
	Reason  string `json:"reason"`
	Created int64  `json:"created"`
	Expires int64  `json:"expires,omitempty"` // zero means forever
}

// Account is one account record with its type resolved.
type Account struct {
	ID      int64
	Key     hydrus.Key
	Service int64
	Type    *Type
	Created int64
	Expires int64 // zero means never

	Ban            *Ban
	Message        string
	MessageCreated int64

	Bandwidth *bandwidth.Tracker
}

// IsBanned reports whether an unexpired ban is in force at time now.
func (a *Account) IsBanned(now int64) bool {
	if a.Ban == nil {
		return false
	}
	return a.Ban.Expires == 0 || a.Ban.Expires > now
}

// IsExpired reports whether the account itself has lapsed.
func (a *Account) IsExpired(now int64) bool {
	return a.Expires != 0 && a.Expires <= now
}

// IsAdmin reports moderate on the services content-type, which passes every
// permission check.
func (a *Account) IsAdmin() bool {
	return a.Type.Permissions[hydrus.ContentServices] >= hydrus.PermissionModerate
}

// CheckPermission validates (contentType, action) for this account at now.
// Bans and expiry surface as unauthorized; missing permission as forbidden.
// Admins pass unconditionally unless banned or expired.
func (a *Account) CheckPermission(contentType hydrus.ContentType, action hydrus.Permission, now int64) error {
	if a.IsBanned(now) {
		return hydrus.Errorf(hydrus.Unauthorized, "account is banned: %s", a.Ban.Reason)
	}
	if a.IsExpired(now) {
		return hydrus.Errorf(hydrus.Unauthorized, "account has expired")
	}
	if a.IsAdmin() {
		return nil
	}
	if a.Type.Permissions[contentType] < action {
		return hydrus.Errorf(hydrus.Forbidden, "account may not %v %v", action, contentType)
	}
	return nil
}

// CheckBandwidth gates a new request against the type's rules.
func (a *Account) CheckBandwidth() error {
	if !a.Type.BandwidthRules.CanStartRequest(a.Bandwidth) {
		return hydrus.Errorf(hydrus.BandwidthExceeded, "account is over its bandwidth rules")
	}
	return nil
}

// accountDump is the persisted dictionary column of an account row.
type accountDump struct {
	Ban            *Ban               `json:"ban,omitempty"`
	Message        string             `json:"message,omitempty"`
	MessageCreated int64              `json:"message_created,omitempty"`
	Bandwidth      *bandwidth.Tracker `json:"bandwidth,omitempty"`
}

func (a *Account) encodeDump() (string, error) {
	b, err := json.Marshal(accountDump{
		Ban: a.Ban, Message: a.Message, MessageCreated: a.MessageCreated, Bandwidth: a.Bandwidth,
	})
	return string(b), err
}

func (a *Account) decodeDump(raw string) error {
	var d accountDump
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return err
		}
	}
	a.Ban = d.Ban
	a.Message = d.Message
	a.MessageCreated = d.MessageCreated
	a.Bandwidth = d.Bandwidth
	if a.Bandwidth == nil {
		a.Bandwidth = bandwidth.NewTracker()
	}
	return nil
}
