package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/surrealdb/surrealdb.go"
)

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:8000/rpc", "ws://localhost:8000"},
		{"wss://db.example.com/rpc/", "wss://db.example.com"},
		{"ws://localhost:8000", "ws://localhost:8000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, baseURL(tt.in))
		})
	}
}

func TestAuthFor(t *testing.T) {
	cfg := Config{Namespace: "sitekb", Database: "kb", Username: "u", Password: "p"}

	root := authFor(cfg)
	assert.Empty(t, root.Namespace)
	assert.Equal(t, "u", root.Username)

	cfg.AuthLevel = AuthDatabase
	scoped := authFor(cfg)
	assert.Equal(t, "sitekb", scoped.Namespace)
	assert.Equal(t, "kb", scoped.Database)
}

func TestWrapQueryError(t *testing.T) {
	plain := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"not a query error", plain, plain},
		{"duplicate", &surrealdb.QueryError{Message: "Database record `job_lease:x` already exists"}, ErrRecordAlreadyExists},
		{"conflict", fmt.Errorf("query: %w", &surrealdb.QueryError{Message: "Transaction conflict: retry"}), ErrTransactionConflict},
		{"active job", &surrealdb.QueryError{Message: "An error occurred: sitekb: active job exists"}, errActiveJob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapQueryError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}

	unknown := &surrealdb.QueryError{Message: "Parse error"}
	assert.Same(t, unknown, wrapQueryError(unknown))
}
