package pgerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestGetConstraintName(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: UniqueViolation, ConstraintName: "abnormal_instances_pkey"})

	name, ok := GetConstraintName(err)
	require.True(t, ok)
	require.Equal(t, "abnormal_instances_pkey", name)

	_, ok = GetConstraintName(&pgconn.PgError{Code: "42P01"})
	require.False(t, ok)
	_, ok = GetConstraintName(errors.New("plain"))
	require.False(t, ok)
	_, ok = GetConstraintName(nil)
	require.False(t, ok)
}
