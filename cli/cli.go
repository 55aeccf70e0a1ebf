package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
	"github.com/mattn/go-isatty"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type argsParsed struct {
	args
	Source            connect
	Target            connect
	S3RetryInterval   time.Duration
	ErrorHandlingMask storage.ErrHandlingMask
	FSFilePerm        os.FileMode
	FSDirPerm         os.FileMode
	UserMetadata      map[string]string
	Acl               *storage.ObjectAcl
	Options           pipeline.Options
}

type connect struct {
	Type   storage.Type
	Bucket string
	Path   string
}

type args struct {
	Config string `arg:"--config" help:"YAML job file. Flags given on the command line override its values" yaml:"-"`
	// Source config
	Source         string `arg:"positional" yaml:"source"`
	SourceNoSign   bool   `arg:"--sn" help:"Don't sign request to source AWS for anonymous access" yaml:"sourceNoSign"`
	SourceKey      string `arg:"--sk" help:"Source AWS key" yaml:"sourceKey"`
	SourceSecret   string `arg:"--ss" help:"Source AWS secret" yaml:"sourceSecret"`
	SourceToken    string `arg:"--st" help:"Source AWS session token" yaml:"sourceToken"`
	SourceRegion   string `arg:"--sr" help:"Source AWS Region" yaml:"sourceRegion"`
	SourceEndpoint string `arg:"--se" help:"Source AWS, Azure or Swift auth endpoint" yaml:"sourceEndpoint"`
	// Target config
	Target         string `arg:"positional" yaml:"target"`
	TargetNoSign   bool   `arg:"--tn" help:"Don't sign request to target AWS for anonymous access" yaml:"targetNoSign"`
	TargetKey      string `arg:"--tk" help:"Target AWS key" yaml:"targetKey"`
	TargetSecret   string `arg:"--ts" help:"Target AWS secret" yaml:"targetSecret"`
	TargetToken    string `arg:"--tt" help:"Target AWS session token" yaml:"targetToken"`
	TargetRegion   string `arg:"--tr" help:"Target AWS Region" yaml:"targetRegion"`
	TargetEndpoint string `arg:"--te" help:"Target AWS, Azure or Swift auth endpoint" yaml:"targetEndpoint"`
	// S3 config
	S3Retry              uint   `arg:"--s3-retry" help:"Max numbers of retries for S3 requests" yaml:"s3Retry"`
	S3RetryInterval      uint   `arg:"--s3-retry-sleep" help:"Sleep interval (sec) between S3 request retries" yaml:"s3RetrySleep"`
	S3KeysPerReq         int64  `arg:"--s3-keys-per-req" help:"Max numbers of keys retrieved via List request" yaml:"s3KeysPerReq"`
	S3MultipartThreshold int64  `arg:"--s3-mpu-threshold" help:"Objects larger than this (bytes) are uploaded in parts" yaml:"s3MpuThreshold"`
	S3PartSize           int64  `arg:"--s3-part-size" help:"Multipart upload part size (bytes)" yaml:"s3PartSize"`
	S3Resume             bool   `arg:"--s3-mpu-resume" help:"Pause multipart uploads on stop and resume them on the next run" yaml:"s3MpuResume"`
	CacheControl         string `arg:"--cache-control" help:"Set Cache-Control header for uploaded objects" yaml:"cacheControl"`
	// Swift config
	SwiftTenant   string `arg:"--swift-tenant" help:"Swift tenant name" yaml:"swiftTenant"`
	SwiftDomain   string `arg:"--swift-domain" help:"Swift domain name" yaml:"swiftDomain"`
	SkipSSLVerify bool   `arg:"--skip-ssl-verify" help:"Disable TLS certificate verification for Swift" yaml:"skipSslVerify"`
	// FS config
	FSFilePerm     string `arg:"--fs-file-perm" help:"File permissions" yaml:"fsFilePerm"`
	FSDirPerm      string `arg:"--fs-dir-perm" help:"Dir permissions" yaml:"fsDirPerm"`
	FSDisableXattr bool   `arg:"--fs-disable-xattr" help:"Disable FS xattr for storing metadata" yaml:"fsDisableXattr"`
	FSAtomicWrite  bool   `arg:"--fs-atomic-write" help:"Write to temp file and rename it" yaml:"fsAtomicWrite"`
	// Filters
	FilterExt         []string `arg:"--filter-ext,separate" help:"Sync only files with given extensions" yaml:"filterExt"`
	FilterExtNot      []string `arg:"--filter-not-ext,separate" help:"Skip files with given extensions" yaml:"filterNotExt"`
	FilterCT          []string `arg:"--filter-ct,separate" help:"Sync only files with given Content-Type" yaml:"filterCt"`
	FilterCTNot       []string `arg:"--filter-not-ct,separate" help:"Skip files with given Content-Type" yaml:"filterNotCt"`
	FilterMtimeAfter  int64    `arg:"--filter-after-mtime" help:"Sync only files modified after given unix timestamp" yaml:"filterAfterMtime"`
	FilterMtimeBefore int64    `arg:"--filter-before-mtime" help:"Sync only files modified before given unix timestamp" yaml:"filterBeforeMtime"`
	FilterEtag        bool     `arg:"--filter-etag" help:"Only update metadata of objects whose target ETag matches the source" yaml:"filterEtag"`
	Md5Tag            string   `arg:"--md5-tag" help:"Store MD5 of the source data in the given user metadata key" yaml:"md5Tag"`
	Metadata          []string `arg:"--metadata,separate" help:"Add user metadata to objects, format key=value" yaml:"metadata"`
	AclOwner          string   `arg:"--acl-owner" help:"Replace ACL owner of objects" yaml:"aclOwner"`
	AclGrant          []string `arg:"--acl-grant,separate" help:"Replace ACL grants of objects, format user:name=PERM or group:name=PERM" yaml:"aclGrant"`
	// Run options
	Workers        int           `arg:"-w" help:"Workers count" yaml:"workers"`
	Retry          uint          `arg:"--retry" help:"Max numbers of retries to sync an object" yaml:"retry"`
	RetryDelay     time.Duration `arg:"--retry-delay" help:"Delay before the first object retry" yaml:"retryDelay"`
	RetryBackoff   string        `arg:"--retry-backoff" help:"Retry backoff: flat or exponential" yaml:"retryBackoff"`
	Verify         bool          `arg:"--verify" help:"Verify objects after sync" yaml:"verify"`
	VerifyOnly     bool          `arg:"--verify-only" help:"Only verify already synced objects" yaml:"verifyOnly"`
	Force          bool          `arg:"--force" help:"Sync objects even if the target looks up to date" yaml:"force"`
	SyncAcl        bool          `arg:"--sync-acl" help:"Sync object ACL" yaml:"syncAcl"`
	NoData         bool          `arg:"--no-data" help:"Do not sync object data" yaml:"noData"`
	NoMetadata     bool          `arg:"--no-metadata" help:"Do not sync user metadata" yaml:"noMetadata"`
	SyncRetention  bool          `arg:"--sync-retention" help:"Sync retention end date" yaml:"syncRetention"`
	DeleteSource   bool          `arg:"--delete-source" help:"Delete source objects after successful sync" yaml:"deleteSource"`
	Versions       bool          `arg:"--versions" help:"Sync all object versions" yaml:"versions"`
	SourceList     string        `arg:"--source-list" help:"Read source identifiers from file, - for stdin" yaml:"sourceList"`
	RememberFailed bool          `arg:"--remember-failed" help:"Print failed objects at the end" yaml:"rememberFailed"`
	MetadataVerify bool          `arg:"--verify-metadata-checksum" help:"Verify using stored MD5 instead of reading data" yaml:"verifyMetadataChecksum"`
	// Tracking
	DB                string   `arg:"--db" help:"Tracking DB DSN: sqlite file path or postgres:// URL" yaml:"db"`
	DBTable           string   `arg:"--db-table" help:"Tracking table name" yaml:"dbTable"`
	DBMetadataColumns []string `arg:"--db-metadata,separate" help:"User metadata keys stored as tracking columns" yaml:"dbMetadata"`
	// Misc
	RateLimitObjPerSec uint   `arg:"--ratelimit-objects" help:"Rate limit objects per second" yaml:"ratelimitObjects"`
	RateLimitBandwidth int    `arg:"--ratelimit-bandwidth" help:"Set bandwidth rate limit (bytes/sec) for source storage" yaml:"ratelimitBandwidth"`
	Throttle           int    `arg:"--throttle" help:"Shared bandwidth limit (bytes/sec) for all object streams" yaml:"throttle"`
	Debug              bool   `arg:"-d" help:"Show debug logging" yaml:"debug"`
	SyncLog            bool   `arg:"--sync-log" help:"Show sync log" yaml:"syncLog"`
	ShowProgress       bool   `arg:"--sync-progress,-p" help:"Show sync progress" yaml:"syncProgress"`
	OnFail             string `arg:"--on-fail,-f" help:"Listing error action. Possible values: fatal, skip, skipmissing" yaml:"onFail"`
	ListBuffer         int    `arg:"--list-buffer" help:"Size of list buffer" yaml:"listBuffer"`
	BufferSize         int    `arg:"--buffer-size" help:"Size of data stream copy buffer (bytes)" yaml:"bufferSize"`
	MetricsListen      string `arg:"--metrics-listen" help:"Serve prometheus metrics on given address" yaml:"metricsListen"`
}

//VersionId return program version string on human format
func (args) Version() string {
	return fmt.Sprintf("VersionId: %v, commit: %v, built at: %v", version, commit, date)
}

//Description return program description string
func (args) Description() string {
	return "Object storage sync tool with tracking, verification and version replay"
}

func defaultArgs() args {
	opts := pipeline.DefaultOptions()
	return args{
		SourceRegion:         "us-east-1",
		TargetRegion:         "us-east-1",
		S3KeysPerReq:         1000,
		S3MultipartThreshold: 64 * 1024 * 1024,
		S3PartSize:           16 * 1024 * 1024,
		FSFilePerm:           "0644",
		FSDirPerm:            "0755",
		Workers:              opts.ThreadCount,
		Retry:                opts.RetryAttempts,
		RetryDelay:           opts.RetryDelay,
		RetryBackoff:         opts.RetryBackoff,
		DBTable:              "sync_objects",
		OnFail:               "fatal",
		ListBuffer:           opts.ListBuffer,
		BufferSize:           opts.BufferSize,
	}
}

//GetCliArgs return cli args structure and error
func GetCliArgs() (argsParsed, error) {
	rawCli := defaultArgs()
	if path := configPath(os.Args[1:]); path != "" {
		if err := loadConfigFile(path, &rawCli); err != nil {
			return argsParsed{}, err
		}
	}

	p := arg.MustParse(&rawCli)
	if rawCli.ShowProgress && !isatty.IsTerminal(os.Stdout.Fd()) {
		p.Fail("Progress (--sync-progress) require tty")
	}
	cli, err := parseArgs(rawCli)
	if err != nil {
		p.Fail(err.Error())
	}
	return cli, nil
}

// configPath finds the --config value before the full parse, so file values become flag defaults.
func configPath(argv []string) string {
	for i, a := range argv {
		switch {
		case a == "--":
			return ""
		case a == "--config" && i+1 < len(argv):
			return argv[i+1]
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

func loadConfigFile(path string, raw *args) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open job file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("parse job file %s: %w", path, err)
	}
	return nil
}

func parseArgs(raw args) (cli argsParsed, err error) {
	cli.args = raw
	if raw.Source == "" || raw.Target == "" {
		return cli, errors.New("source and target are required")
	}

	switch raw.OnFail {
	case "fatal":
	case "skip":
		cli.ErrorHandlingMask = storage.HandleErrNotExist | storage.HandleErrPermission | storage.HandleErrOther
	case "skipmissing":
		cli.ErrorHandlingMask = storage.HandleErrNotExist | storage.HandleErrPermission
	default:
		return cli, errors.New("--on-fail must be one of \"fatal, skip, skipmissing\"")
	}

	cli.S3RetryInterval = time.Duration(raw.S3RetryInterval) * time.Second
	if cli.Source, err = parseConn(raw.Source); err != nil {
		return cli, err
	}
	if cli.Target, err = parseConn(raw.Target); err != nil {
		return cli, err
	}

	filePerm, err := strconv.ParseUint(raw.FSFilePerm, 8, 32)
	if err != nil {
		return cli, errors.New("failed to parse arg --fs-file-perm")
	}
	cli.FSFilePerm = os.FileMode(filePerm)
	dirPerm, err := strconv.ParseUint(raw.FSDirPerm, 8, 32)
	if err != nil {
		return cli, errors.New("failed to parse arg --fs-dir-perm")
	}
	cli.FSDirPerm = os.FileMode(dirPerm)

	cli.UserMetadata = make(map[string]string, len(raw.Metadata))
	for _, kv := range raw.Metadata {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return cli, fmt.Errorf("bad --metadata value %q, expected key=value", kv)
		}
		cli.UserMetadata[strings.ToLower(k)] = v
	}

	if cli.Acl, err = parseAcl(raw.AclOwner, raw.AclGrant); err != nil {
		return cli, err
	}

	cli.Options = buildOptions(raw)
	if err := cli.Options.Validate(); err != nil {
		return cli, err
	}
	return cli, nil
}

func buildOptions(raw args) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.ThreadCount = raw.Workers
	opts.RetryAttempts = raw.Retry
	opts.RetryDelay = raw.RetryDelay
	opts.RetryBackoff = raw.RetryBackoff
	opts.Verify = raw.Verify
	opts.VerifyOnly = raw.VerifyOnly
	opts.ForceSync = raw.Force
	opts.SyncAcl = raw.SyncAcl || raw.AclOwner != "" || len(raw.AclGrant) > 0
	opts.SyncData = !raw.NoData
	opts.SyncMetadata = !raw.NoMetadata
	opts.SyncRetentionExpiration = raw.SyncRetention
	opts.RememberFailed = raw.RememberFailed
	opts.DeleteSource = raw.DeleteSource
	opts.IncludeVersions = raw.Versions
	opts.SourceListFile = raw.SourceList
	opts.DbTable = raw.DBTable
	opts.DbMetadataColumns = lo.Uniq(lo.Map(raw.DBMetadataColumns, func(c string, _ int) string {
		return strings.ToLower(c)
	}))
	opts.ListBuffer = raw.ListBuffer
	opts.BufferSize = raw.BufferSize
	opts.UseMetadataChecksumForVerification = raw.MetadataVerify
	return opts
}

func parseAcl(owner string, grants []string) (*storage.ObjectAcl, error) {
	if owner == "" && len(grants) == 0 {
		return nil, nil
	}
	acl := &storage.ObjectAcl{Owner: owner}
	for _, g := range grants {
		kind, rest, _ := strings.Cut(g, ":")
		name, perm, ok := strings.Cut(rest, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("bad --acl-grant value %q", g)
		}
		perm = strings.ToUpper(perm)
		if !lo.Contains([]string{storage.PermissionRead, storage.PermissionWrite, storage.PermissionReadAcp,
			storage.PermissionWriteAcp, storage.PermissionFullControl}, perm) {
			return nil, fmt.Errorf("unknown permission %q in --acl-grant", perm)
		}
		switch kind {
		case "user":
			acl.AddUserGrant(name, perm)
		case "group":
			acl.AddGroupGrant(name, perm)
		default:
			return nil, fmt.Errorf("bad --acl-grant value %q, expected user: or group: prefix", g)
		}
	}
	return acl, nil
}

func parseConn(cStr string) (conn connect, err error) {
	u, err := url.Parse(cStr)
	if err != nil {
		return conn, err
	}

	switch u.Scheme {
	case "s3", "az", "swift":
		conn.Type = map[string]storage.Type{"s3": storage.TypeS3, "az": storage.TypeAz, "swift": storage.TypeSwift}[u.Scheme]
		conn.Bucket = u.Host
		conn.Path = strings.TrimPrefix(u.Path, "/")
		if conn.Bucket == "" {
			return conn, fmt.Errorf("%s: bucket is required", cStr)
		}
	case "fs":
		conn.Type = storage.TypeFS
		conn.Path = u.Host + u.Path
	default:
		conn.Type = storage.TypeFS
		conn.Path = cStr
	}
	return
}
