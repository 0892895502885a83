// Package uuid provides identifier generation for operations, conflicts and
// entities created while offline.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks identifiers generated locally for entities that have no
// remote id yet.
const TempPrefix = "tmp-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a UUID v7. Ids generated by one process sort in
// creation order, which keeps operation ids aligned with their timestamps.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.New().String()
	}
	return id.String()
}

// NewTemp generates a temporary entity id.
func NewTemp() string {
	return TempPrefix + uuid.New().String()
}

// IsTemp reports whether id was produced by NewTemp or follows its prefix.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// NewFromString creates a UUID from a string.
// Returns an error if the string is not a valid UUID.
func NewFromString(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	return id, nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
