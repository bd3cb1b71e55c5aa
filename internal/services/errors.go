package services

import "errors"

var (
	ErrProfileNotFound  = errors.New("profile not found")
	ErrProfileExists    = errors.New("profile already exists for this identity")
	ErrForbidden        = errors.New("not allowed to act on this profile")
	ErrEmailNotVerified = errors.New("email address is not verified")
	ErrInvalidRole      = errors.New("invalid role name")
	ErrInvalidToken     = errors.New("invalid unsubscribe token")
	ErrTokenExpired     = errors.New("unsubscribe token expired")
	ErrNoPhotoStore     = errors.New("photo storage is not configured")
	ErrPhotoNotAllowed  = errors.New("photo can only be set by uploading an avatar")
)

// IsBadRequest reports whether err is a client input problem.
func IsBadRequest(err error) bool {
	return errors.Is(err, ErrInvalidRole) || errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrPhotoNotAllowed)
}

// IsForbidden reports whether err is an authorization or integrity failure.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrEmailNotVerified)
}
