package db

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDBName(t *testing.T) {
	tests := []struct {
		dsn, name, want string
	}{
		{"postgres://u:p@localhost:5432/postgres?sslmode=disable", "busload", "postgres://u:p@localhost:5432/busload?sslmode=disable"},
		{"postgresql://localhost/old", "/new", "postgresql://localhost/new"},
		{"u:p@db:5432/x", "busload", "postgres://u:p@db:5432/busload"},
	}
	for _, tt := range tests {
		got, err := WithDBName(tt.dsn, tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := WithDBName("", "busload")
	assert.Error(t, err)
	_, err = WithDBName("mysql://localhost/app", "busload")
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmtWrap(&pgconn.PgError{Code: "23505", ConstraintName: "trips_vehicle_slot"})
	constraint, ok := isUniqueViolation(err)
	assert.True(t, ok)
	assert.Equal(t, "trips_vehicle_slot", constraint)

	_, ok = isUniqueViolation(&pgconn.PgError{Code: "23503"})
	assert.False(t, ok)
	_, ok = isUniqueViolation(errors.New("boom"))
	assert.False(t, ok)
	_, ok = isUniqueViolation(nil)
	assert.False(t, ok)
}

type wrapped struct{ err error }

func (w wrapped) Error() string { return "insert trip: " + w.err.Error() }
func (w wrapped) Unwrap() error { return w.err }

func fmtWrap(err error) error { return wrapped{err} }
