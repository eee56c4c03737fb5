package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aspen/pkg/errs"
)

func TestValidateCollection(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		wantErr    bool
	}{
		{"simple name", "customers", false},
		{"with underscore and digits", "crm_records_v2", false},
		{"single letter", "c", false},
		{"uppercase", "Customers", false},
		{"injection attempt", "a; DROP", true},
		{"empty", "", true},
		{"leading digit", "1customers", true},
		{"leading underscore", "_customers", true},
		{"embedded space", "my records", true},
		{"embedded quote", `rec"ords`, true},
		{"embedded dash", "my-records", true},
		{"at max length", "a" + strings.Repeat("x", 127), false},
		{"too long", "a" + strings.Repeat("x", 128), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollection(tt.collection)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFieldPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple field", "email", false},
		{"nested path", "contact.address.city", false},
		{"underscore segment", "_meta.created_by", false},
		{"digit in segment", "line1", false},
		{"empty", "", true},
		{"trailing dot", "contact.", true},
		{"leading dot", ".contact", true},
		{"double dot", "contact..city", true},
		{"bracket syntax", "emails[0]", true},
		{"wildcard", "emails[*].value", true},
		{"injection attempt", "name; DROP TABLE records", true},
		{"quote", `name"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFieldPath(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFieldPathSegments(t *testing.T) {
	assert.Equal(t, []string{"contact", "address", "city"}, FieldPathSegments("contact.address.city"))
	assert.Equal(t, []string{"email"}, FieldPathSegments("email"))
}
