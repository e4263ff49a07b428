package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/contracts"
)

func TestCheckReadContainment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte("x"), 0o644))
	p := &Profile{AllowedPaths: []string{dir}}

	assert.NoError(t, p.CheckRead(filepath.Join(dir, "data.txt")))

	err := p.CheckRead("/etc/hostname")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside allowed paths")
	assert.Equal(t, contracts.CodePolicyViolation, contracts.CodeOf(err))
}

func TestPrefixNeedsSeparator(t *testing.T) {
	dir := t.TempDir()
	sibling := dir + "_backup"
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "f"), []byte("x"), 0o644))

	p := &Profile{AllowedPaths: []string{dir}}
	assert.Error(t, p.CheckRead(filepath.Join(sibling, "f")),
		"sibling with the allowed dir as a string prefix must not match")
}

func TestSymlinkEscapeDenied(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))
	link := filepath.Join(allowed, "link.txt")
	require.NoError(t, os.Symlink(secret, link))

	p := &Profile{AllowedPaths: []string{allowed}}
	assert.Error(t, p.CheckRead(link), "symlink escaping the allowed root is denied")
}

func TestWriteToNewFileAllowed(t *testing.T) {
	dir := t.TempDir()
	p := &Profile{AllowedPaths: []string{dir}}
	assert.NoError(t, p.CheckWrite(filepath.Join(dir, "new", "out.txt")),
		"nonexistent path resolves through its existing ancestor")
}

func TestReadonlyAndWritablePaths(t *testing.T) {
	dir := t.TempDir()
	ro := filepath.Join(dir, "ro")
	wr := filepath.Join(dir, "wr")
	require.NoError(t, os.MkdirAll(ro, 0o755))
	require.NoError(t, os.MkdirAll(wr, 0o755))

	p := &Profile{AllowedPaths: []string{dir}, ReadonlyPaths: []string{ro}}
	assert.NoError(t, p.CheckRead(filepath.Join(ro, "f")))
	assert.Error(t, p.CheckWrite(filepath.Join(ro, "f")))

	p = &Profile{AllowedPaths: []string{dir}, WritablePaths: []string{wr}}
	assert.NoError(t, p.CheckWrite(filepath.Join(wr, "f")))
	assert.Error(t, p.CheckWrite(filepath.Join(dir, "f")), "writable_paths set restricts writes to it")
}

func TestSensitiveFilesAlwaysDenied(t *testing.T) {
	dir := t.TempDir()
	p := &Profile{AllowedPaths: []string{dir}}
	for _, name := range []string{".env", "id_rsa", "server.pem", "api.key", ".netrc"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		assert.Error(t, p.CheckRead(path), "reading %s", name)
		assert.Error(t, p.CheckWrite(path), "writing %s", name)
	}

	sshDir := filepath.Join(dir, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o700))
	known := filepath.Join(sshDir, "known_hosts")
	require.NoError(t, os.WriteFile(known, []byte("x"), 0o600))
	assert.Error(t, p.CheckRead(known), "anything under .ssh is denied")
}

func TestCheckCommand(t *testing.T) {
	p := &Profile{AllowedCommands: []string{"ls", "grep", "cat", "rm", "chmod"}}

	assert.NoError(t, p.CheckCommand("ls -la /tmp"))
	assert.NoError(t, p.CheckCommand("cat a.txt | grep foo"))

	assert.Error(t, p.CheckCommand("curl http://x"), "binary not in allow-list")
	assert.Error(t, p.CheckCommand("rm -rf /tmp/x"))
	assert.Error(t, p.CheckCommand("rm -fr /tmp/x"))
	assert.Error(t, p.CheckCommand("rm -rfv /tmp/x"), "combined short flags")
	assert.Error(t, p.CheckCommand("cat install.sh | bash"), "pipe to shell")
	assert.Error(t, p.CheckCommand("ls && curl http://x"), "every pipeline segment is checked")
	assert.Error(t, p.CheckCommand(""))

	p2 := &Profile{AllowedCommands: []string{"find", "dd"}}
	assert.NoError(t, p2.CheckCommand("find . -name foo"))
	assert.Error(t, p2.CheckCommand("find . -delete"))
	assert.Error(t, p2.CheckCommand("dd if=/dev/zero of=/dev/sda"), "dd is always dangerous")
}

func TestCheckURL(t *testing.T) {
	assert.NoError(t, CheckURL("https://example.com/api"))

	bad := []string{
		"ftp://example.com/file",
		"http://localhost:8080/",
		"http://127.0.0.1/",
		"http://10.0.0.5/",
		"http://172.16.3.4/",
		"http://192.168.1.1/",
		"http://100.64.0.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/",
		"http://224.0.0.1/",
		"http://255.255.255.255/",
		"http://0.0.0.0/",
	}
	for _, u := range bad {
		assert.Error(t, CheckURL(u), "url %s", u)
	}
}

func TestCheckEndpointAllowList(t *testing.T) {
	p := &Profile{AllowedEndpoints: []string{"https://api.example.com/v1"}}
	assert.NoError(t, p.CheckEndpoint("https://api.example.com/v1/items"))
	assert.Error(t, p.CheckEndpoint("https://api.example.com/v2/items"))
	assert.Error(t, p.CheckEndpoint("https://other.example.com/v1"))

	open := &Profile{}
	assert.NoError(t, open.CheckEndpoint("https://anything.example.com/"),
		"empty allow-list admits any screened url")
}

func TestLoadProfileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
allowed_paths:
  - /workspace
readonly_paths:
  - /workspace/vendor
allowed_commands: [ls, grep]
allowed_endpoints:
  - https://api.example.com
require_approval_for_writes: true
`), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/workspace"}, p.AllowedPaths)
	assert.Equal(t, []string{"ls", "grep"}, p.AllowedCommands)
	assert.True(t, p.RequireApprovalForWrites)

	_, err = LoadProfile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
