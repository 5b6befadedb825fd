package helper_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/helper"
)

func TestFragmentFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1700000000.00000#1.data", helper.FragmentFileName("1700000000.00000", 1))
	assert.Equal(t, "1700000000.00000.ts", helper.FragmentFileName("1700000000.00000", -1))
}

func TestLoadNetrcCredentials(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".netrc")
	require.NoError(t, os.WriteFile(path, []byte("machine peer1 login user1 password pass1\n"), 0o600))

	creds, err := helper.LoadNetrcCredentials(path, "peer1")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "user1", creds.Username)
	assert.Equal(t, "pass1", creds.Password)

	creds, err = helper.LoadNetrcCredentials(path, "unknown")
	require.NoError(t, err)
	assert.Nil(t, creds)
}
