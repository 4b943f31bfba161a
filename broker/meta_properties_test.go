package broker

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCheckMetaProperties(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, checkMetaProperties(dir, 4, "abc"))
	b, err := ioutil.ReadFile(filepath.Join(dir, metaPropertiesFile))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(b), "#"))
	require.Contains(t, string(b), "version = 0")
	require.Contains(t, string(b), "broker.id = 4")
	require.Contains(t, string(b), "cluster.id = abc")

	require.NoError(t, checkMetaProperties(dir, 4, "abc"))

	err = checkMetaProperties(dir, 4, "xyz")
	require.True(t, errors.Is(err, ErrClusterIDMismatch), "err: %v", err)

	err = checkMetaProperties(dir, 5, "abc")
	require.True(t, errors.Is(err, ErrBrokerIDMismatch), "err: %v", err)
}
