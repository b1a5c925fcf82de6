package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-eu/rlsprobe/internal/testutil"
)

func TestLoadPrivilegeProfile(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.Script.On("has_database_privilege", testutil.Response{Rows: [][]interface{}{
		{"probe", false, false},
	}})
	exec.Script.On("table_schema = 'information_schema'", testutil.Response{Rows: [][]interface{}{
		{false},
	}})
	exec.Script.On("table_schema NOT IN", testutil.Response{Rows: [][]interface{}{
		{"public", "posts", "SELECT"},
		{"public", "posts", "INSERT"},
		{"public", "todos", "SELECT"},
	}})

	profile, err := LoadPrivilegeProfile(context.Background(), exec)
	require.NoError(t, err)

	assert.Equal(t, "probe", profile.RoleName)
	assert.False(t, profile.IsSuperuser)
	assert.False(t, profile.HasGlobalDML)
	assert.False(t, profile.HasCreatePrivilege)
	assert.Equal(t, []string{"SELECT", "INSERT"}, profile.TablePrivileges["public.posts"])
	assert.Equal(t, []string{"SELECT"}, profile.TablePrivileges["public.todos"])
	assert.NoError(t, profile.RejectUnsafe())
}

func TestLoadPrivilegeProfile_SuperuserDetected(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.Script.On("has_database_privilege", testutil.Response{Rows: [][]interface{}{
		{"postgres", true, true},
	}})
	exec.Script.On("table_schema = 'information_schema'", testutil.Response{Rows: [][]interface{}{
		{false},
	}})

	profile, err := LoadPrivilegeProfile(context.Background(), exec)
	require.NoError(t, err)

	assert.True(t, profile.IsSuperuser)
	err = profile.RejectUnsafe()
	require.Error(t, err)
	assert.True(t, IsPrivilegeRejection(err))
}

func TestLoadPrivilegeProfile_GlobalDMLDetected(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.Script.On("has_database_privilege", testutil.Response{Rows: [][]interface{}{
		{"admin", false, false},
	}})
	exec.Script.On("table_schema = 'information_schema'", testutil.Response{Rows: [][]interface{}{
		{true},
	}})

	profile, err := LoadPrivilegeProfile(context.Background(), exec)
	require.NoError(t, err)
	assert.True(t, profile.HasGlobalDML)
	assert.Error(t, profile.RejectUnsafe())
}

func TestLoadPrivilegeProfile_RoleQueryFailure(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.Script.On("has_database_privilege", testutil.Response{Err: assert.AnError})

	_, err := LoadPrivilegeProfile(context.Background(), exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role attributes")
}
