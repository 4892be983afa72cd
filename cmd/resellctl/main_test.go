package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, e := newRootCmd()
	defer e.close()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--no-color"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestResellctl_Workflow(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_DSN", filepath.Join(t.TempDir(), "ctl.db")+"?_busy_timeout=5000")

	out, err := run(t, "create-account", "ops@example.com", "--credits", "5", "-o", "json")
	require.NoError(t, err)
	var acct struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	assert.Equal(t, "ops@example.com", acct.Email)

	out, err = run(t, "create-key", acct.Email, "--name", "ci", "-o", "json")
	require.NoError(t, err)
	var created struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewBufferString(out)).Decode(&created))
	require.NotEmpty(t, created.Secret)

	out, err = run(t, "check-key", created.Secret)
	require.NoError(t, err)
	assert.Contains(t, out, "active")
	assert.Contains(t, out, "$5.000000")

	_, err = run(t, "add-credits", acct.ID, "2.5", "--ref", "inv-1")
	require.NoError(t, err)
	_, err = run(t, "add-credits", acct.ID, "2.5", "--ref", "inv-1")
	assert.Error(t, err)

	out, err = run(t, "set-limits", acct.Email, "--rpm", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "unlimited")

	out, err = run(t, "set-pricing-rule", "--pattern", "openai/*", "--markup", "35", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "modelpattern: openai/*")

	out, err = run(t, "check-usage", acct.Email)
	require.NoError(t, err)
	assert.Contains(t, out, "$7.500000")
}

func TestResellctl_VersionNeedsNoStore(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_DRIVER", "mysql")

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "v")
}

func TestResellctl_BadOutputFormat(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_DSN", filepath.Join(t.TempDir(), "ctl.db"))

	_, err := run(t, "list-keys", "x@example.com", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}
