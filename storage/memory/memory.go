// Package memory implements an in-memory storage with optional version history.
// It is used as reference connector and as test harness for the sync engine.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ratelimit"
)

type entry struct {
	versionID    string
	written      time.Time
	data         []byte
	metadata     *storage.ObjectMetadata
	acl          *storage.ObjectAcl
	etag         string
	deleteMarker bool
}

// Stats counts write operations.
type Stats struct {
	Writes         atomic.Int64
	Deletes        atomic.Int64
	VersionDeletes atomic.Int64
	MetaUpdates    atomic.Int64
}

// Storage configuration.
type Storage struct {
	mu              sync.RWMutex
	objects         map[string][]*entry
	versioning      bool
	noVersionDelete bool
	seq             uint64
	lastWrite       time.Time
	rlBucket        ratelimit.Bucket
	bufSize         int
	Stats           Stats
}

// NewStorage return new empty storage. With versioning every write appends a version and Delete appends a
// delete marker.
func NewStorage(versioning bool) *Storage {
	return &Storage{
		objects:    make(map[string][]*entry),
		versioning: versioning,
		rlBucket:   ratelimit.NewFakeBucket(),
		bufSize:    storage.DefaultBufferSize,
	}
}

// SetBufferSize set the size of the buffer incoming data streams are copied through.
func (st *Storage) SetBufferSize(size int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.bufSize = size
}

// BufferSize return the current copy buffer size.
func (st *Storage) BufferSize() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.bufSize
}

// DisableVersionDelete makes DeleteVersions fail like a target that can only delete the current version.
func (st *Storage) DisableVersionDelete() {
	st.noVersionDelete = true
}

func (st *Storage) Type() storage.Type {
	return storage.TypeMemory
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *Storage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

func (st *Storage) Identifier(relativePath string, directory bool) string {
	relativePath = strings.Trim(relativePath, "/")
	if directory && relativePath != "" {
		return relativePath + "/"
	}
	return relativePath
}

func (st *Storage) RelativePath(identifier string, directory bool) string {
	return strings.Trim(identifier, "/")
}

// List send root level objects to output.
func (st *Storage) List(ctx context.Context, output chan<- *storage.ObjectSummary) error {
	return st.listLevel(ctx, "", output)
}

// Children send direct children of parent directory to output.
func (st *Storage) Children(ctx context.Context, parent *storage.ObjectSummary, output chan<- *storage.ObjectSummary) error {
	return st.listLevel(ctx, st.RelativePath(parent.Identifier, true), output)
}

func (st *Storage) listLevel(ctx context.Context, dir string, output chan<- *storage.ObjectSummary) error {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	found := make(map[string]*storage.ObjectSummary)
	st.mu.RLock()
	for id, chain := range st.objects {
		if len(chain) == 0 || chain[len(chain)-1].deleteMarker {
			continue
		}
		rel := strings.Trim(id, "/")
		if !strings.HasPrefix(rel, prefix) || rel == dir {
			continue
		}
		// deeper keys show up as their first level directory
		if i := strings.IndexByte(rel[len(prefix):], '/'); i >= 0 {
			dirID := st.Identifier(rel[:len(prefix)+i], true)
			found[dirID] = &storage.ObjectSummary{Identifier: dirID, Directory: true}
			continue
		}
		directory := strings.HasSuffix(id, "/")
		found[id] = &storage.ObjectSummary{
			Identifier: id,
			Directory:  directory,
			Size:       int64(len(chain[len(chain)-1].data)),
		}
	}
	st.mu.RUnlock()

	summaries := make([]*storage.ObjectSummary, 0, len(found))
	for _, s := range found {
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Identifier < summaries[j].Identifier })
	for _, s := range summaries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output <- s:
		}
	}
	return nil
}

// LoadObject return latest version of identifier.
func (st *Storage) LoadObject(ctx context.Context, identifier string) (*storage.SyncObject, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	chain := st.objects[identifier]
	if len(chain) == 0 || chain[len(chain)-1].deleteMarker {
		if strings.HasSuffix(identifier, "/") && st.hasChildren(identifier) {
			md := &storage.ObjectMetadata{Directory: true}
			return storage.NewSyncObject(st, st.RelativePath(identifier, true), md, nil, nil), nil
		}
		return nil, &storage.ObjectNotFoundError{Identifier: identifier}
	}
	return st.toObject(identifier, chain[len(chain)-1]), nil
}

// hasChildren reports whether some live key starts with prefix. Caller holds the lock.
func (st *Storage) hasChildren(prefix string) bool {
	for id, chain := range st.objects {
		if id != prefix && strings.HasPrefix(id, prefix) && len(chain) > 0 && !chain[len(chain)-1].deleteMarker {
			return true
		}
	}
	return false
}

// LoadVersions return version chain of identifier, oldest first.
func (st *Storage) LoadVersions(ctx context.Context, identifier string) ([]*storage.ObjectVersion, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	chain := st.objects[identifier]
	versions := make([]*storage.ObjectVersion, 0, len(chain))
	for i, e := range chain {
		obj := st.toObject(identifier, e)
		obj.Metadata().ModificationTime = e.written
		versions = append(versions, &storage.ObjectVersion{
			SyncObject:   obj,
			VersionID:    e.versionID,
			ETag:         e.etag,
			Latest:       i == len(chain)-1,
			DeleteMarker: e.deleteMarker,
		})
	}
	storage.SortVersions(versions)
	return versions, nil
}

func (st *Storage) toObject(identifier string, e *entry) *storage.SyncObject {
	md := e.metadata.Clone()
	if md == nil {
		md = &storage.ObjectMetadata{Directory: strings.HasSuffix(identifier, "/"), ModificationTime: e.written}
	}
	md.HttpEtag = e.etag
	data := e.data
	acl := e.acl.Clone()
	return storage.NewSyncObject(st, st.RelativePath(identifier, md.Directory), md,
		func() (io.ReadCloser, error) {
			return io.NopCloser(ratelimit.NewReader(bytes.NewReader(data), st.rlBucket)), nil
		},
		func() (*storage.ObjectAcl, error) {
			return acl, nil
		},
	)
}

// CreateObject write object under identifier derived from its relative path.
func (st *Storage) CreateObject(ctx context.Context, obj *storage.SyncObject) (string, error) {
	id := st.Identifier(obj.RelativePath(), obj.IsDirectory())
	return id, st.UpdateObject(ctx, id, obj)
}

// UpdateObject write object data, metadata and ACL.
func (st *Storage) UpdateObject(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	md := obj.Metadata().Clone()
	var data []byte
	if obj.BoolProperty(storage.PropSourceEtagMatches) {
		st.mu.RLock()
		if chain := st.objects[identifier]; len(chain) > 0 {
			data = chain[len(chain)-1].data
		}
		st.mu.RUnlock()
	} else if !md.Directory {
		r, err := obj.DataStream()
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if _, err := storage.CopyBuffer(&buf, r, st.BufferSize()); err != nil {
			return err
		}
		data = buf.Bytes()
	}

	var acl *storage.ObjectAcl
	if !obj.BoolProperty(storage.PropSkipAcl) {
		a, err := obj.Acl()
		if err != nil {
			return err
		}
		acl = a.Clone()
	}
	if obj.BoolProperty(storage.PropSkipMetadata) {
		md.UserMetadata = nil
	}
	md.ContentLength = int64(len(data))
	sum := md5.Sum(data)

	st.append(identifier, &entry{
		data:     data,
		metadata: md,
		acl:      acl,
		etag:     hex.EncodeToString(sum[:]),
	})
	st.Stats.Writes.Add(1)
	return nil
}

// UpdateMetadata replace metadata of the current version in place.
func (st *Storage) UpdateMetadata(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	chain := st.objects[identifier]
	if len(chain) == 0 || chain[len(chain)-1].deleteMarker {
		return &storage.ObjectNotFoundError{Identifier: identifier}
	}
	latest := chain[len(chain)-1]
	md := obj.Metadata().Clone()
	md.ContentLength = int64(len(latest.data))
	latest.metadata = md
	st.Stats.MetaUpdates.Add(1)
	return nil
}

// Delete remove object. With versioning a delete marker is appended instead.
func (st *Storage) Delete(ctx context.Context, identifier string, obj *storage.SyncObject) error {
	st.Stats.Deletes.Add(1)
	if st.versioning {
		st.append(identifier, &entry{deleteMarker: true})
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.objects[identifier]; !ok {
		return &storage.ObjectNotFoundError{Identifier: identifier}
	}
	delete(st.objects, identifier)
	return nil
}

// DeleteVersions remove given versions of identifier.
func (st *Storage) DeleteVersions(ctx context.Context, identifier string, versions []*storage.ObjectVersion) error {
	if st.noVersionDelete {
		return storage.ErrVersionDeleteUnsupported
	}
	drop := make(map[string]bool, len(versions))
	for _, v := range versions {
		drop[v.VersionID] = true
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	kept := st.objects[identifier][:0]
	for _, e := range st.objects[identifier] {
		if !drop[e.versionID] {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(st.objects, identifier)
	} else {
		st.objects[identifier] = kept
	}
	st.Stats.VersionDeletes.Add(int64(len(versions)))
	return nil
}

func (st *Storage) append(identifier string, e *entry) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	e.versionID = fmt.Sprintf("%016d", st.seq)
	// version mtimes are strictly increasing, so ordering by mtime is the write order
	e.written = time.Now()
	if !e.written.After(st.lastWrite) {
		e.written = st.lastWrite.Add(time.Millisecond)
	}
	st.lastWrite = e.written
	if e.metadata == nil {
		e.metadata = &storage.ObjectMetadata{Directory: strings.HasSuffix(identifier, "/"), ModificationTime: e.written}
	}

	if st.versioning {
		st.objects[identifier] = append(st.objects[identifier], e)
	} else {
		st.objects[identifier] = []*entry{e}
	}
}

// Put stores data under relativePath. It is a shortcut for tests and seeding.
func (st *Storage) Put(relativePath string, data []byte, md *storage.ObjectMetadata) string {
	if md == nil {
		md = &storage.ObjectMetadata{ModificationTime: time.Now()}
	}
	obj := storage.NewSyncObject(st, relativePath, md, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil)
	id, err := st.CreateObject(context.Background(), obj)
	if err != nil {
		panic(err)
	}
	return id
}

// Data return content of latest version of identifier.
func (st *Storage) Data(identifier string) ([]byte, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	chain := st.objects[identifier]
	if len(chain) == 0 || chain[len(chain)-1].deleteMarker {
		return nil, false
	}
	return chain[len(chain)-1].data, true
}

// Len return number of keys.
func (st *Storage) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.objects)
}
