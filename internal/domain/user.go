// Package domain contains core domain types for the gemchat application.
package domain

import (
	"strings"
	"time"
)

// Identity is a verified user as reported by the identity provider.
type Identity struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Provider    string    `json:"provider"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Profile is the user record mirrored into the document store at users/{uid}.
type Profile struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	LastLogin   int64  `json:"lastLogin,omitempty"`
}

// Profile field names.
const (
	FieldEmail       = "email"
	FieldDisplayName = "displayName"
	FieldCreatedAt   = "createdAt"
	FieldLastLogin   = "lastLogin"
)

// DisplayNameFromEmail derives a display name from the local part of an email.
func DisplayNameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

// Fields encodes p as document fields. Zero timestamps are omitted so a
// merge does not overwrite them.
func (p Profile) Fields() map[string]any {
	fields := map[string]any{
		FieldEmail:       p.Email,
		FieldDisplayName: p.DisplayName,
	}
	if p.CreatedAt != 0 {
		fields[FieldCreatedAt] = p.CreatedAt
	}
	if p.LastLogin != 0 {
		fields[FieldLastLogin] = p.LastLogin
	}
	return fields
}

// NewSignUpProfile returns the profile fields written after account creation.
func NewSignUpProfile(email string, now time.Time) map[string]any {
	return Profile{
		Email:       email,
		DisplayName: DisplayNameFromEmail(email),
		CreatedAt:   now.UnixMilli(),
	}.Fields()
}

// NewLoginProfile returns the profile fields upserted after a federated login.
// createdAt is only set when the profile did not exist yet.
func NewLoginProfile(id *Identity, now time.Time, firstLogin bool) map[string]any {
	p := Profile{
		Email:       id.Email,
		DisplayName: id.DisplayName,
		LastLogin:   now.UnixMilli(),
	}
	if p.DisplayName == "" {
		p.DisplayName = DisplayNameFromEmail(id.Email)
	}
	if firstLogin {
		p.CreatedAt = now.UnixMilli()
	}
	return p.Fields()
}
