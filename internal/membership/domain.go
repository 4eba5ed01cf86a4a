package membership

import (
	"time"

	"github.com/google/uuid"
)

// MemberType distinguishes students from staff.
type MemberType string

const (
	MemberTypeStudent MemberType = "student"
	MemberTypeTeacher MemberType = "teacher"
)

// Member represents a library member.
type Member struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Code       string     `json:"code" db:"code"`
	NIS        string     `json:"nis" db:"nis"`
	Name       string     `json:"name" db:"name"`
	MemberType MemberType `json:"member_type" db:"member_type"`
	Email      string     `json:"email,omitempty" db:"email"`
	ClassName  string     `json:"class_name,omitempty" db:"class_name"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	Version    int        `json:"version" db:"version"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// MemberCode is the default barcode of a member: MBR followed by the NIS.
func MemberCode(nis string) string {
	return "MBR" + nis
}

// RegisterRequest carries the data needed to register a member.
type RegisterRequest struct {
	NIS        string     `json:"nis"`
	Name       string     `json:"name"`
	MemberType MemberType `json:"member_type"`
	Email      string     `json:"email"`
	ClassName  string     `json:"class_name"`
	// Code overrides the generated barcode when set.
	Code string `json:"code"`
}

// MemberRegisteredEvent is published when a new member registers.
type MemberRegisteredEvent struct {
	ID   uuid.UUID `json:"id"`
	Code string    `json:"code"`
	Name string    `json:"name"`
}

// MemberDeactivatedEvent is published when a member is soft-deleted.
type MemberDeactivatedEvent struct {
	ID uuid.UUID `json:"id"`
}
