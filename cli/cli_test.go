package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ecssync/storage/fs"
	"github.com/larrabee/ecssync/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConn(t *testing.T) {
	cases := []struct {
		in     string
		typ    storage.Type
		bucket string
		path   string
	}{
		{"s3://bucket/some/prefix", storage.TypeS3, "bucket", "some/prefix"},
		{"az://container", storage.TypeAz, "container", ""},
		{"swift://c/p/", storage.TypeSwift, "c", "p/"},
		{"fs:///tmp/data", storage.TypeFS, "", "/tmp/data"},
		{"/var/lib/data", storage.TypeFS, "", "/var/lib/data"},
		{"relative/dir", storage.TypeFS, "", "relative/dir"},
	}
	for _, c := range cases {
		conn, err := parseConn(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.typ, conn.Type, c.in)
		assert.Equal(t, c.bucket, conn.Bucket, c.in)
		assert.Equal(t, c.path, conn.Path, c.in)
	}

	_, err := parseConn("s3:///prefix")
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	assert.Equal(t, "job.yaml", configPath([]string{"-w", "4", "--config", "job.yaml", "src", "dst"}))
	assert.Equal(t, "a.yml", configPath([]string{"--config=a.yml"}))
	assert.Equal(t, "", configPath([]string{"--", "--config", "x"}))
	assert.Equal(t, "", configPath([]string{"src", "dst"}))
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source: s3://src/data
target: /backup
workers: 4
retryDelay: 3s
verify: true
metadata: ["team=storage"]
dbMetadata: ["Team", "team"]
`), 0644))

	raw := defaultArgs()
	require.NoError(t, loadConfigFile(path, &raw))
	// a flag parsed after the file overrides it
	raw.Workers = 8

	cli, err := parseArgs(raw)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeS3, cli.Source.Type)
	assert.Equal(t, storage.TypeFS, cli.Target.Type)
	assert.Equal(t, 8, cli.Options.ThreadCount)
	assert.Equal(t, 3*time.Second, cli.Options.RetryDelay)
	assert.True(t, cli.Options.Verify)
	assert.Equal(t, []string{"team"}, cli.Options.DbMetadataColumns)
	assert.Equal(t, map[string]string{"team": "storage"}, cli.UserMetadata)
	assert.Equal(t, os.FileMode(0644), cli.FSFilePerm)
}

func TestLoadConfigFile_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wrokers: 4\n"), 0644))
	raw := defaultArgs()
	assert.Error(t, loadConfigFile(path, &raw))
}

func TestParseArgs_Errors(t *testing.T) {
	base := defaultArgs()
	base.Source, base.Target = "/a", "/b"

	raw := base
	raw.OnFail = "ignore"
	_, err := parseArgs(raw)
	assert.Error(t, err)

	raw = base
	raw.Metadata = []string{"novalue"}
	_, err = parseArgs(raw)
	assert.Error(t, err)

	raw = base
	raw.Verify, raw.VerifyOnly = true, true
	_, err = parseArgs(raw)
	assert.True(t, storage.IsConfigError(err))

	raw = base
	raw.OnFail = "skipmissing"
	cli, err := parseArgs(raw)
	require.NoError(t, err)
	assert.True(t, cli.ErrorHandlingMask.Has(storage.HandleErrNotExist))
	assert.False(t, cli.ErrorHandlingMask.Has(storage.HandleErrOther))
}

func TestBufferSizeFlag(t *testing.T) {
	raw := defaultArgs()
	assert.Equal(t, storage.DefaultBufferSize, raw.BufferSize)
	p, err := arg.NewParser(arg.Config{}, &raw)
	require.NoError(t, err)
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, p.Parse([]string{"--buffer-size", "1048576", src, dst}))

	cli, err := parseArgs(raw)
	require.NoError(t, err)
	assert.Equal(t, 1048576, cli.Options.BufferSize)

	raw.BufferSize = 0
	_, err = parseArgs(raw)
	assert.True(t, storage.IsConfigError(err))
}

func TestParseAcl(t *testing.T) {
	acl, err := parseAcl("", nil)
	require.NoError(t, err)
	assert.Nil(t, acl)

	acl, err = parseAcl("bob", []string{"user:bob=full_control", "group:AllUsers=READ"})
	require.NoError(t, err)
	assert.Equal(t, "bob", acl.Owner)
	assert.Equal(t, []string{storage.PermissionFullControl}, acl.UserGrants["bob"])
	assert.Equal(t, []string{storage.PermissionRead}, acl.GroupGrants["AllUsers"])

	_, err = parseAcl("", []string{"role:x=READ"})
	assert.Error(t, err)
	_, err = parseAcl("", []string{"user:x=EXECUTE"})
	assert.Error(t, err)
}

func TestSetupFilters(t *testing.T) {
	raw := defaultArgs()
	raw.Source, raw.Target = "/a", "/b"
	raw.FilterExt = []string{"jpg"}
	raw.FilterEtag = true
	raw.Md5Tag = "x-source-md5"
	raw.AclGrant = []string{"group:AllUsers=READ"}
	raw.RateLimitObjPerSec = 10
	cli, err := parseArgs(raw)
	require.NoError(t, err)
	assert.True(t, cli.Options.SyncAcl)

	steps, err := setupFilters(&cli, memory.NewStorage(false))
	require.NoError(t, err)
	var names []string
	for _, s := range steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"RateLimit", "FilterObjByExt", "TargetEtagCheck", "ACLUpdater", "SourceMd5Tagger"}, names)
}

func TestSetupStorages_FS(t *testing.T) {
	raw := defaultArgs()
	raw.Source, raw.Target = t.TempDir(), "fs://"+t.TempDir()
	cli, err := parseArgs(raw)
	require.NoError(t, err)

	source, target, err := setupStorages(&cli)
	require.NoError(t, err)
	assert.IsType(t, &fs.FSStorage{}, source)
	assert.Equal(t, storage.TypeFS, target.Type())

	tr, err := setupTracking(&cli)
	require.NoError(t, err)
	assert.NoError(t, tr.Close())
}
