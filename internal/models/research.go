package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/finsight-ai/finsight-agent/internal/citation"
)

// ResearchRequest is the JSON body for POST /api/research.
type ResearchRequest struct {
	Statement    string   `json:"statement"`
	Sources      []string `json:"sources"` // ordered; empty means let routing pick
	Continuation bool     `json:"continuation"`
	APIKey       string   `json:"api_key"`
}

// Run lifecycle states surfaced via the status endpoint.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunError     = "error"
)

// Run is one research run stored in MongoDB after it finishes.
type Run struct {
	ID              primitive.ObjectID        `json:"-"                bson:"_id,omitempty"`
	RunID           string                    `json:"run_id"           bson:"run_id"`
	UserID          string                    `json:"user_id"          bson:"user_id"`
	Statement       string                    `json:"statement"        bson:"statement"`
	Route           string                    `json:"route"            bson:"route"` // "direct" or "research"
	Sources         []string                  `json:"sources"          bson:"sources"`
	Answer          string                    `json:"answer"           bson:"answer"`
	References      []citation.ReferenceEntry `json:"references"       bson:"references"`
	AnswerObjectKey string                    `json:"answer_object_key,omitempty" bson:"answer_object_key,omitempty"`
	Status          string                    `json:"status"           bson:"status"`
	Error           string                    `json:"error,omitempty"  bson:"error,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"       bson:"created_at"`
	CompletedAt     time.Time                 `json:"completed_at"     bson:"completed_at"`
}
