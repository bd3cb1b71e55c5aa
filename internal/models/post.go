package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AuthorSnapshot is the denormalized {id, name, photo} copy of a profile
// embedded in content records. Profiles are the source of truth.
type AuthorSnapshot struct {
	ID    primitive.ObjectID `json:"id" bson:"id"`
	Name  string             `json:"name" bson:"name"`
	Photo *string            `json:"photo" bson:"photo"`
}

// SnapshotOf captures the current name and photo of p.
func SnapshotOf(p *Profile) AuthorSnapshot {
	snap := AuthorSnapshot{ID: p.ID, Name: p.DisplayName()}
	if p.Photo != "" {
		photo := p.Photo
		snap.Photo = &photo
	}
	return snap
}

type Post struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Author    AuthorSnapshot     `json:"author" bson:"author"`
	Title     string             `json:"title" bson:"title"`
	Content   string             `json:"content" bson:"content"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
}

type Comment struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	PostID    primitive.ObjectID `json:"post_id" bson:"post_id"`
	Author    AuthorSnapshot     `json:"author" bson:"author"`
	Content   string             `json:"content" bson:"content"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
}

// Thread is a conversation; each participant entry embeds a snapshot.
type Thread struct {
	ID           primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Participants []AuthorSnapshot   `json:"participants" bson:"participants"`
	UpdatedAt    time.Time          `json:"updated_at" bson:"updated_at"`
}
