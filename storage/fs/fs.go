// Package fs implements a local filesystem storage.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/karrick/godirwalk"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ratelimit"
	"github.com/pkg/xattr"
)

const (
	tempFileMarker    = ".temp."
	tempFileSuffixLen = 8
	metaXattrName     = "user.ecssync.meta"
	ownerCacheSize    = 1024
)

// fileMeta is stored as JSON in the metaXattrName attribute.
type fileMeta struct {
	Metadata *storage.ObjectMetadata `json:"metadata"`
	Acl      *storage.ObjectAcl      `json:"acl,omitempty"`
}

// FSStorage configuration.
type FSStorage struct {
	dir           string
	filePerm      os.FileMode
	dirPerm       os.FileMode
	bufSize       int
	xattr         bool
	rlBucket      ratelimit.Bucket
	listErrorMask storage.ErrHandlingMask
	atomicWrite   bool
	owners        *lru.Cache[uint32, string]
}

// NewFSStorage return new configured FS storage.
//
// You should always create new storage with this constructor.
func NewFSStorage(dir string, filePerm, dirPerm os.FileMode, bufSize int, extendedMeta bool, listErrorMode storage.ErrHandlingMask, atomicWrite bool) *FSStorage {
	owners, _ := lru.New[uint32, string](ownerCacheSize)
	st := FSStorage{
		dir:           filepath.Clean(dir) + string(os.PathSeparator),
		filePerm:      filePerm,
		dirPerm:       dirPerm,
		xattr:         extendedMeta && isXattrSupported(),
		rlBucket:      ratelimit.NewFakeBucket(),
		listErrorMask: listErrorMode,
		atomicWrite:   atomicWrite,
		owners:        owners,
	}

	if extendedMeta && !isXattrSupported() {
		storage.Log.Warnf("Xattr switch enabled, but your system does not support xattr, it will be disabled.")
	}

	st.SetBufferSize(bufSize)
	return &st
}

// SetBufferSize set the size of the directory read scratch buffer and of the file copy buffer.
func (st *FSStorage) SetBufferSize(size int) {
	if size < godirwalk.MinimumScratchBufferSize {
		size = godirwalk.MinimumScratchBufferSize
	}
	st.bufSize = size
}

func (st *FSStorage) Type() storage.Type {
	return storage.TypeFS
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *FSStorage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

// Identifier of FS object is its absolute path. Directory identifiers end with a path separator.
func (st *FSStorage) Identifier(relativePath string, directory bool) string {
	rel := strings.Trim(relativePath, "/")
	id := filepath.Join(st.dir, filepath.FromSlash(rel))
	if directory {
		id += string(os.PathSeparator)
	}
	return id
}

func (st *FSStorage) RelativePath(identifier string, directory bool) string {
	rel := strings.TrimPrefix(filepath.Clean(identifier), filepath.Clean(st.dir))
	return strings.Trim(filepath.ToSlash(rel), "/")
}

// List send entries of the storage root to output.
func (st *FSStorage) List(ctx context.Context, output chan<- *storage.ObjectSummary) error {
	return st.Children(ctx, &storage.ObjectSummary{Identifier: st.dir, Directory: true}, output)
}

// Children send direct entries of parent directory to output, sorted by name.
// Symlinks are followed. Unfinished atomic writes are ignored.
func (st *FSStorage) Children(ctx context.Context, parent *storage.ObjectSummary, output chan<- *storage.ObjectSummary) error {
	dirents, err := godirwalk.ReadDirents(parent.Identifier, make([]byte, st.bufSize))
	if err != nil {
		if st.skipListError(parent.Identifier, err) {
			return nil
		}
		return err
	}
	sort.Sort(dirents)

	for _, de := range dirents {
		if strings.Contains(de.Name(), tempFileMarker) {
			continue
		}
		path := filepath.Join(parent.Identifier, de.Name())
		isDir, err := de.IsDirOrSymlinkToDir()
		if err != nil {
			if st.skipListError(path, err) {
				continue
			}
			return err
		}
		if !isDir && !de.IsRegular() && !de.IsSymlink() {
			storage.Log.Debugf("FS Listing: %s is not a regular file, skipping", path)
			continue
		}

		summary := &storage.ObjectSummary{Identifier: path, Directory: isDir}
		if isDir {
			summary.Identifier += string(os.PathSeparator)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output <- summary:
		}
	}
	return nil
}

func (st *FSStorage) skipListError(path string, err error) bool {
	if st.listErrorMask.Has(storage.HandleErrPermission) && errors.Is(err, os.ErrPermission) {
		storage.Log.Debugf("FS Listing: %s, err: Permission Denied, skipping", path)
		return true
	} else if st.listErrorMask.Has(storage.HandleErrNotExist) && errors.Is(err, os.ErrNotExist) {
		storage.Log.Debugf("FS Listing: %s, err: No such file or directory, skipping", path)
		return true
	} else if st.listErrorMask.Has(storage.HandleErrOther) {
		storage.Log.Debugf("FS Listing: %s, err: %s, skipping", path, err)
		return true
	}
	return false
}

// LoadObject read metadata of file or directory. Data and ACL are read on demand.
func (st *FSStorage) LoadObject(ctx context.Context, identifier string) (*storage.SyncObject, error) {
	path := filepath.Clean(identifier)
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &storage.ObjectNotFoundError{Identifier: identifier}
	} else if err != nil {
		return nil, err
	}

	md, acl, err := st.readMeta(path, fi)
	if err != nil {
		return nil, err
	}

	var stream storage.StreamLoader
	if !fi.IsDir() {
		stream = func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			return &readCloser{Reader: ratelimit.NewReader(f, st.rlBucket), Closer: f}, nil
		}
	}
	aclLoader := func() (*storage.ObjectAcl, error) {
		if acl != nil {
			return acl, nil
		}
		return st.ownerAcl(fi), nil
	}
	return storage.NewSyncObject(st, st.RelativePath(identifier, fi.IsDir()), md, stream, aclLoader), nil
}

// readMeta build metadata from file info, extended with the stored attribute when xattr is enabled.
// Size and mtime always come from the file itself.
func (st *FSStorage) readMeta(path string, fi os.FileInfo) (*storage.ObjectMetadata, *storage.ObjectAcl, error) {
	md := &storage.ObjectMetadata{
		Directory:        fi.IsDir(),
		ModificationTime: fi.ModTime(),
	}
	if !fi.IsDir() {
		md.ContentType = mime.TypeByExtension(filepath.Ext(path))
		md.ContentLength = fi.Size()
	}
	if !st.xattr {
		return md, nil, nil
	}

	data, err := xattr.Get(path, metaXattrName)
	if err != nil {
		if isNoXattrData(err) {
			return md, nil, nil
		}
		return nil, nil, err
	}
	var fm fileMeta
	if err := json.Unmarshal(data, &fm); err != nil {
		return nil, nil, fmt.Errorf("decode metadata of %s: %w", path, err)
	}
	if fm.Metadata != nil {
		fm.Metadata.Directory = md.Directory
		fm.Metadata.ContentLength = md.ContentLength
		fm.Metadata.ModificationTime = md.ModificationTime
		md = fm.Metadata
	}
	return md, fm.Acl, nil
}

// ownerAcl maps file owner and permission bits to an ACL.
func (st *FSStorage) ownerAcl(fi os.FileInfo) *storage.ObjectAcl {
	uid, ok := fileOwner(fi)
	if !ok {
		return nil
	}
	owner := st.ownerName(uid)
	acl := &storage.ObjectAcl{Owner: owner}
	perm := fi.Mode().Perm()
	if perm&0400 != 0 {
		acl.AddUserGrant(owner, storage.PermissionRead)
	}
	if perm&0200 != 0 {
		acl.AddUserGrant(owner, storage.PermissionWrite)
	}
	if perm&0004 != 0 {
		acl.AddGroupGrant("other", storage.PermissionRead)
	}
	if perm&0002 != 0 {
		acl.AddGroupGrant("other", storage.PermissionWrite)
	}
	return acl
}

func (st *FSStorage) ownerName(uid uint32) string {
	if name, ok := st.owners.Get(uid); ok {
		return name
	}
	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}
	st.owners.Add(uid, name)
	return name
}

// CreateObject saves object under path derived from its relative path.
func (st *FSStorage) CreateObject(ctx context.Context, obj *storage.SyncObject) (string, error) {
	id := st.Identifier(obj.RelativePath(), obj.IsDirectory())
	return id, st.UpdateObject(ctx, id, obj)
}

// UpdateObject saves object to FS. Directories are created with all parents.
func (st *FSStorage) UpdateObject(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	path := filepath.Clean(identifier)
	if obj.IsDirectory() {
		if err := os.MkdirAll(path, st.dirPerm); err != nil {
			return err
		}
		return st.writeMeta(path, obj)
	}

	if obj.BoolProperty(storage.PropSourceEtagMatches) {
		if _, err := os.Stat(path); err == nil {
			return st.writeMeta(path, obj)
		}
	}

	destPath := path
	if st.atomicWrite {
		destPath += tempFileMarker + storage.GetInsecureRandString(tempFileSuffixLen)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), st.dirPerm); err != nil {
		return err
	}
	if err := st.writeFile(destPath, obj); err != nil {
		if st.atomicWrite {
			_ = os.Remove(destPath)
		}
		return err
	}
	if st.atomicWrite {
		if err := os.Rename(destPath, path); err != nil {
			return err
		}
	}
	return st.writeMeta(path, obj)
}

func (st *FSStorage) writeFile(path string, obj *storage.SyncObject) error {
	r, err := obj.DataStream()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.filePerm)
	if err != nil {
		return err
	}
	if _, err := storage.CopyBuffer(f, ratelimit.NewReader(r, st.rlBucket), st.bufSize); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// UpdateMetadata rewrite stored metadata and mtime of existing file.
func (st *FSStorage) UpdateMetadata(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	path := filepath.Clean(identifier)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &storage.ObjectNotFoundError{Identifier: identifier}
	}
	return st.writeMeta(path, obj)
}

func (st *FSStorage) writeMeta(path string, obj *storage.SyncObject) error {
	md := obj.Metadata()
	if st.xattr {
		fm := fileMeta{Metadata: md.Clone()}
		if obj.BoolProperty(storage.PropSkipMetadata) {
			fm.Metadata.UserMetadata = nil
		}
		if !obj.BoolProperty(storage.PropSkipAcl) {
			acl, err := obj.Acl()
			if err != nil {
				return err
			}
			fm.Acl = acl
		}
		data, err := json.Marshal(fm)
		if err != nil {
			return err
		}
		if err := xattr.Set(path, metaXattrName, data); err != nil {
			return err
		}
	}
	if !md.ModificationTime.IsZero() {
		return os.Chtimes(path, md.ModificationTime, md.ModificationTime)
	}
	return nil
}

// Delete remove file or empty directory from FS.
func (st *FSStorage) Delete(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	return os.Remove(filepath.Clean(identifier))
}

type readCloser struct {
	io.Reader
	io.Closer
}
