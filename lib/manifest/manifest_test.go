package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifestTOML() string {
	return `
[app]
name = "demo"
display_name = "Demo"

[source]
type = "direct"
url = "https://example.com/demo.tar.gz"

[runtime]
distro = "ubuntu"
version = "24.04"
arch = "x86_64"

[dependencies]
packages = ["libfoo", "libbar"]

[binary]
relative_path = "opt/demo/demo"
argv_prefix = []

[permissions]
home = true
gpu = true
`
}

func TestParse_Valid(t *testing.T) {
	app, err := Parse([]byte(validManifestTOML()))
	require.NoError(t, err)
	assert.Equal(t, "demo", app.Name)
	assert.Equal(t, "ubuntu-24.04-x86_64", app.BaseID())
	assert.Equal(t, []string{"libfoo", "libbar"}, app.Packages)
	assert.True(t, app.Permissions.Home)
	assert.True(t, app.Permissions.GPU)
	assert.True(t, app.Permissions.Network, "network defaults to true")
	require.NotNil(t, app.Source.Direct)
	assert.Equal(t, "https://example.com/demo.tar.gz", app.Source.Direct.URL)
}

func TestParse_RejectsUnknownPermissionTag(t *testing.T) {
	data := validManifestTOML() + "\nbluetooth = true\n"
	_, err := Parse([]byte(data))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	found := false
	for _, fe := range verr.Fields {
		if fe.Field == "permissions.bluetooth" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestParse_RejectsUnknownBase(t *testing.T) {
	data := `
[app]
name = "demo"

[source]
type = "direct"
url = "https://example.com/demo.tar.gz"

[runtime]
distro = "redhat"
version = "9"
arch = "x86_64"

[binary]
relative_path = "opt/demo/demo"
`
	_, err := Parse([]byte(data))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 1)
	assert.Equal(t, "runtime", verr.Fields[0].Field)
}

func TestParse_TotalRejectionCollectsAllErrors(t *testing.T) {
	data := `
[app]
name = "Not Valid Name!"

[source]
type = "bogus"

[runtime]
distro = "redhat"
version = "9"
arch = "x86_64"

[binary]
relative_path = "/absolute/path"

[permissions]
nonsense = true
`
	_, err := Parse([]byte(data))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	// name, runtime, source.type, permissions.nonsense, binary.relative_path
	assert.GreaterOrEqual(t, len(verr.Fields), 5)
}

func TestParse_ReleaseIndexRequiresFields(t *testing.T) {
	data := `
[app]
name = "demo"

[source]
type = "release-index"

[runtime]
distro = "alpine"
version = "3.19"
arch = "x86_64"

[binary]
relative_path = "opt/demo/demo"
`
	_, err := Parse([]byte(data))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Fields), 3)
}
