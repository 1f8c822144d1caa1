package model

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus mirrors, loosely, the candidate's progress on a template.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentStarted   AssignmentStatus = "started"
	AssignmentCompleted AssignmentStatus = "completed"
)

// Assignment authorizes a candidate (by email) to attempt a template.
type Assignment struct {
	TemplateID     uuid.UUID        `json:"template_id"`
	CandidateEmail string           `json:"candidate_email"`
	Status         AssignmentStatus `json:"status"`
	AssignedAt     time.Time        `json:"assigned_at"`
}
