package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a user's role on the learning platform.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTeacher    Role = "teacher"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Elevated reports whether the role may act on sessions it does not own.
func (r Role) Elevated() bool {
	return r != RoleTeacher && r != RoleStudent && r != ""
}

// User is the subset of the platform user record this service reads.
type User struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"fullName"`
	Role     Role      `json:"role"`
}

// Course is the subset of the course record needed to resolve live sessions.
type Course struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	TeacherID uuid.UUID `json:"teacherId"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnrollmentStatus values stored by the course service.
const (
	EnrollmentActive = "active"
)
