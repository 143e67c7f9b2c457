package apperr

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "plain error", err: fmt.Errorf("boom"), want: Internal},
		{name: "direct", err: E(NotFound, "Student not found", nil), want: NotFound},
		{name: "wrapped", err: fmt.Errorf("resolve: %w", E(InvalidInput, "Matricule is required", nil)), want: InvalidInput},
		{name: "nil", err: nil, want: Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMessageHidesStorageDetail(t *testing.T) {
	err := E(StorageFailure, "upsert student", sql.ErrConnDone)
	assert.Equal(t, "Internal server error", Message(err))
	assert.Contains(t, err.Error(), sql.ErrConnDone.Error())
	assert.ErrorIs(t, err, sql.ErrConnDone)

	assert.Equal(t, "Student not found", Message(E(NotFound, "Student not found", nil)))
	assert.Equal(t, "Internal server error", Message(fmt.Errorf("raw")))
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("x: %w", E(UpstreamUnavailable, "directory down", nil))
	assert.True(t, Is(err, UpstreamUnavailable))
	assert.False(t, Is(err, NotFound))
}
