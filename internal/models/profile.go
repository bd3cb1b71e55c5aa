package models

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProfileTypeIndividual is the only profile type listed in the directory.
const ProfileTypeIndividual = "Individual"

// Profile is a directory entry stored in Mongo. The _id is an ObjectID, so
// descending _id order is creation order, newest first.
type Profile struct {
	ID           primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	AuthID       string             `json:"-" bson:"auth_id"`
	Email        string             `json:"email,omitempty" bson:"email,omitempty"`
	Type         string             `json:"type" bson:"type"`
	FirstName    string             `json:"first_name" bson:"first_name"`
	LastName     string             `json:"last_name" bson:"last_name"`
	About        string             `json:"about" bson:"about,omitempty"`
	Location     *Location          `json:"location" bson:"location,omitempty"`
	HideAddress  bool               `json:"hide_address" bson:"hide_address"`
	Needs        Needs              `json:"needs" bson:"needs"`
	Objectives   Objectives         `json:"objectives" bson:"objectives"`
	Photo        string             `json:"photo,omitempty" bson:"photo,omitempty"`
	URLs         map[string]string  `json:"urls,omitempty" bson:"urls,omitempty"`
	Role         Role               `json:"role" bson:"role"`
	NotifyPrefs  NotificationPrefs  `json:"notify_prefs" bson:"notify_prefs"`
	UsesPassword bool               `json:"-" bson:"uses_password"`
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" bson:"updated_at"`
}

// DisplayName is the name copied into author and participant snapshots.
func (p *Profile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Location is a GeoJSON-style point plus free-text jurisdiction fields.
// Coordinates are [lng, lat].
type Location struct {
	Type        string    `json:"type,omitempty" bson:"type,omitempty"`
	Coordinates []float64 `json:"coordinates,omitempty" bson:"coordinates,omitempty"`
	Address     string    `json:"address,omitempty" bson:"address,omitempty"`
	City        string    `json:"city,omitempty" bson:"city,omitempty"`
	State       string    `json:"state,omitempty" bson:"state,omitempty"`
	Country     string    `json:"country,omitempty" bson:"country,omitempty"`
}

// NewPoint builds a location anchored at lng/lat.
func NewPoint(lng, lat float64) *Location {
	return &Location{Type: "Point", Coordinates: []float64{lng, lat}}
}

// HasPoint reports whether the location carries a usable [lng, lat] pair.
func (l *Location) HasPoint() bool {
	return l != nil && len(l.Coordinates) == 2
}

// InRange reports whether the point is a valid [lng, lat] on the sphere.
func (l *Location) InRange() bool {
	if !l.HasPoint() {
		return false
	}
	lng, lat := l.Coordinates[0], l.Coordinates[1]
	return lng >= -180 && lng <= 180 && lat >= -90 && lat <= 90
}

// WithoutCoordinates returns a copy of l with the raw point removed.
func (l *Location) WithoutCoordinates() *Location {
	if l == nil {
		return nil
	}
	out := *l
	out.Type = ""
	out.Coordinates = nil
	return &out
}

// Needs are the "request help" intent flags.
type Needs struct {
	MedicalHelp bool `json:"medical_help" bson:"medical_help"`
	OtherHelp   bool `json:"other_help" bson:"other_help"`
}

// Objectives are the "offer help" intent flags.
type Objectives struct {
	Donate           bool `json:"donate" bson:"donate"`
	ShareInformation bool `json:"share_information" bson:"share_information"`
	Volunteer        bool `json:"volunteer" bson:"volunteer"`
}

// NotificationPrefs controls outbound mail. The zero value is fully unsubscribed.
type NotificationPrefs struct {
	Messages bool `json:"messages" bson:"messages"`
	Comments bool `json:"comments" bson:"comments"`
	Likes    bool `json:"likes" bson:"likes"`
	Shares   bool `json:"shares" bson:"shares"`
	Digest   bool `json:"digest" bson:"digest"`
}

// AllNotifications is the default for new profiles.
func AllNotifications() NotificationPrefs {
	return NotificationPrefs{Messages: true, Comments: true, Likes: true, Shares: true, Digest: true}
}

// ProfileView is a profile as returned to a particular viewer.
type ProfileView struct {
	ID           primitive.ObjectID `json:"id"`
	Email        string             `json:"email,omitempty"`
	Type         string             `json:"type"`
	FirstName    string             `json:"first_name"`
	LastName     string             `json:"last_name"`
	About        string             `json:"about"`
	Location     *Location          `json:"location"`
	HideAddress  bool               `json:"hide_address"`
	Needs        Needs              `json:"needs"`
	Objectives   Objectives         `json:"objectives"`
	Photo        string             `json:"photo,omitempty"`
	URLs         map[string]string  `json:"urls,omitempty"`
	Role         Role               `json:"role"`
	NotifyPrefs  *NotificationPrefs `json:"notify_prefs,omitempty"`
	UsesPassword *bool              `json:"uses_password,omitempty"`
	OwnUser      bool               `json:"own_user"`
}

// DirectoryEntry is the projected search result shape. It never carries
// coordinates, and Location is nil whenever the profile hides its address.
type DirectoryEntry struct {
	ID          primitive.ObjectID `json:"id" bson:"_id"`
	Type        string             `json:"type" bson:"type"`
	FirstName   string             `json:"first_name" bson:"first_name"`
	LastName    string             `json:"last_name" bson:"last_name"`
	About       string             `json:"about" bson:"about"`
	Location    *Location          `json:"location" bson:"location"`
	HideAddress bool               `json:"hide_address" bson:"hide_address"`
	Needs       Needs              `json:"needs" bson:"needs"`
	Objectives  Objectives         `json:"objectives" bson:"objectives"`
	Photo       string             `json:"photo,omitempty" bson:"photo"`
	URLs        map[string]string  `json:"urls,omitempty" bson:"urls"`
	Distance    *float64           `json:"distance,omitempty" bson:"distance,omitempty"`
}

// SearchMeta accompanies a page when the caller asks for metadata.
type SearchMeta struct {
	Total int64 `json:"total"`
}

// SearchPage is the metadata-wrapped search response.
type SearchPage struct {
	Meta SearchMeta       `json:"meta"`
	Data []DirectoryEntry `json:"data"`
}

// CreateProfileRequest is the registration body.
type CreateProfileRequest struct {
	FirstName   string      `json:"first_name"`
	LastName    string      `json:"last_name"`
	About       string      `json:"about"`
	Location    *Location   `json:"location"`
	HideAddress bool        `json:"hide_address"`
	Needs       *Needs      `json:"needs"`
	Objectives  *Objectives `json:"objectives"`
}

func (r *CreateProfileRequest) Validate() map[string]string {
	errors := make(map[string]string)

	if strings.TrimSpace(r.FirstName) == "" {
		errors["first_name"] = "First name is required"
	}
	if strings.TrimSpace(r.LastName) == "" {
		errors["last_name"] = "Last name is required"
	}
	if r.Location != nil && len(r.Location.Coordinates) != 0 && !r.Location.InRange() {
		errors["location"] = "Location coordinates must be [lng, lat] within range"
	}

	return errors
}

// UpdateProfileRequest is a partial merge onto the caller's profile. Nil
// fields are left untouched.
type UpdateProfileRequest struct {
	FirstName   *string            `json:"first_name"`
	LastName    *string            `json:"last_name"`
	About       *string            `json:"about"`
	Location    *Location          `json:"location"`
	HideAddress *bool              `json:"hide_address"`
	Needs       *Needs             `json:"needs"`
	Objectives  *Objectives        `json:"objectives"`
	Photo       *string            `json:"photo"`
	URLs        map[string]string  `json:"urls"`
	NotifyPrefs *NotificationPrefs `json:"notify_prefs"`
}

// TouchesSnapshot reports whether the update changes a field that is copied
// into author/participant snapshots.
func (r *UpdateProfileRequest) TouchesSnapshot() bool {
	return r.FirstName != nil || r.LastName != nil || r.Photo != nil
}

func (r *UpdateProfileRequest) Validate() map[string]string {
	errors := make(map[string]string)

	if r.FirstName != nil && strings.TrimSpace(*r.FirstName) == "" {
		errors["first_name"] = "First name cannot be empty"
	}
	if r.LastName != nil && strings.TrimSpace(*r.LastName) == "" {
		errors["last_name"] = "Last name cannot be empty"
	}
	if r.Location != nil && len(r.Location.Coordinates) != 0 && !r.Location.InRange() {
		errors["location"] = "Location coordinates must be [lng, lat] within range"
	}

	if r.Photo != nil && *r.Photo != "" {
		errors["photo"] = "Photo can only be set by uploading an avatar"
	}

	return errors
}

// SetRoleRequest is the body for role changes.
type SetRoleRequest struct {
	Role string `json:"role"`
}

// UnsubscribeRequest carries a signed unsubscribe token.
type UnsubscribeRequest struct {
	Token string `json:"token"`
}
