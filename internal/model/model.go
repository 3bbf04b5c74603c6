package model

import (
	"time"
)

// Role is the part a linked Strava account plays for a user.
type Role string

const (
	RoleHuman Role = "HUMAN"
	RolePet   Role = "PET"
)

// ParseRole returns the Role named by s. Only the exact upper-case names are accepted.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleHuman, RolePet:
		return Role(s), true
	}
	return "", false
}

// MirrorStatus is the lifecycle state of a Mirror.
type MirrorStatus string

const (
	MirrorPending MirrorStatus = "PENDING"
	MirrorDone    MirrorStatus = "DONE"
	MirrorError   MirrorStatus = "ERROR"
)

// Connection links a local user, in one role, to a Strava athlete and its credentials.
type Connection struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	UserID      string  `gorm:"not null;uniqueIndex:idx_connections_user_role,priority:1;uniqueIndex:idx_connections_user_athlete,priority:1" json:"userId"`
	Role        Role    `gorm:"type:varchar(8);not null;uniqueIndex:idx_connections_user_role,priority:2" json:"role"`
	AthleteID   int64   `gorm:"not null;uniqueIndex:idx_connections_user_athlete,priority:2" json:"athleteId"`
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`

	// Credentials never leave the server.
	AccessToken  string `gorm:"type:text;not null" json:"-"`
	RefreshToken string `gorm:"type:text;not null" json:"-"`
	ExpiresAt    int64  `gorm:"not null" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Connection) TableName() string {
	return "connections"
}

// Mirror records one attempt to copy a source activity to the pet account.
type Mirror struct {
	ID                    uint         `gorm:"primaryKey" json:"id"`
	UserID                string       `gorm:"not null;uniqueIndex:idx_mirrors_user_source,priority:1" json:"userId"`
	SourceActivityID      int64        `gorm:"not null;uniqueIndex:idx_mirrors_user_source,priority:2" json:"sourceActivityId"`
	DestinationActivityID *int64       `json:"destinationActivityId"`
	UploadID              *int64       `json:"uploadId"`
	Status                MirrorStatus `gorm:"type:varchar(8);not null;index" json:"status"`
	ErrorDetail           *string      `gorm:"type:text" json:"errorDetail"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
}

func (Mirror) TableName() string {
	return "mirrors"
}
