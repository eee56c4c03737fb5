package models

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Ramsey-B/aspen/pkg/errs"
)

// Collection and field names flow into SQL grouping expressions and bolt
// relationship types, so they are validated against a strict allow-list before
// any query is constructed. Values that fail never reach a query builder.
var (
	collectionPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,127}$`)
	fieldSegmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateCollection checks a collection or edge collection name against the
// allow-list: a leading letter followed by up to 127 letters, digits or
// underscores.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return errs.NewValidationError("collection", name, "must start with a letter and contain only letters, digits and underscores (max 128 chars)")
	}
	return nil
}

// ValidateFieldPath checks a dot path into a document. Each segment must be a
// plain identifier; bracket, wildcard and quoting syntax are all rejected.
func ValidateFieldPath(path string) error {
	if path == "" {
		return errs.NewValidationError("field", path, "must not be empty")
	}
	for _, segment := range strings.Split(path, ".") {
		if !fieldSegmentPattern.MatchString(segment) {
			return errs.NewValidationError("field", path, fmt.Sprintf("segment %q must contain only letters, digits and underscores", segment))
		}
	}
	return nil
}

// FieldPathSegments splits a validated dot path into its segments.
func FieldPathSegments(path string) []string {
	return strings.Split(path, ".")
}
