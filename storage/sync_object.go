package storage

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"sync/atomic"
)

// StreamLoader opens object data.
type StreamLoader func() (io.ReadCloser, error)

// AclLoader fetches object ACL.
type AclLoader func() (*ObjectAcl, error)

// SyncObject is the unit moving through the pipeline.
//
// ACL and data stream are loaded lazily and at most once. The data stream is closed exactly once by Close,
// no matter how many filters wrapped it. SyncObject is owned by a single worker and is not safe for
// concurrent use.
type SyncObject struct {
	storage          Storage
	relativePath     string
	metadata         *ObjectMetadata
	sealed           bool
	acl              *Lazy[*ObjectAcl]
	loader           StreamLoader
	stream           *Lazy[io.ReadCloser]
	digest           *digestReader
	reader           io.Reader
	properties       map[string]interface{}
	targetID         string
	postStreamUpdate bool
	closed           bool
}

// NewSyncObject return new object owned by st. stream and acl may be nil.
func NewSyncObject(st Storage, relativePath string, metadata *ObjectMetadata, stream StreamLoader, acl AclLoader) *SyncObject {
	if metadata == nil {
		metadata = &ObjectMetadata{}
	}
	if stream == nil {
		stream = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
	}
	obj := &SyncObject{
		storage:      st,
		relativePath: relativePath,
		metadata:     metadata,
		loader:       stream,
		stream:       NewLazy(stream),
		properties:   make(map[string]interface{}),
	}
	if acl == nil {
		obj.acl = Resolved[*ObjectAcl](nil)
	} else {
		obj.acl = NewLazy(acl)
	}
	return obj
}

// Storage return the storage the object was loaded from.
func (o *SyncObject) Storage() Storage {
	return o.storage
}

// RelativePath return object path relative to storage root.
func (o *SyncObject) RelativePath() string {
	return o.relativePath
}

// Metadata return object metadata. Filters may modify it until the object is sealed,
// after that a copy is returned.
func (o *SyncObject) Metadata() *ObjectMetadata {
	if o.sealed {
		return o.metadata.Clone()
	}
	return o.metadata
}

// IsDirectory is a shortcut for Metadata().Directory.
func (o *SyncObject) IsDirectory() bool {
	return o.metadata.Directory
}

// Seal makes metadata immutable. It is called after the object was written to the target.
func (o *SyncObject) Seal() {
	o.sealed = true
}

// Acl resolve object ACL on first call.
func (o *SyncObject) Acl() (*ObjectAcl, error) {
	return o.acl.Get()
}

// SetAcl replace object ACL.
func (o *SyncObject) SetAcl(acl *ObjectAcl) {
	o.acl = Resolved(acl)
}

// DataStream open object data on first call and return the current (possibly wrapped) reader.
func (o *SyncObject) DataStream() (io.Reader, error) {
	if o.closed {
		return nil, errors.New("object is closed")
	}
	if o.reader != nil {
		return o.reader, nil
	}
	rc, err := o.stream.Get()
	if err != nil {
		return nil, err
	}
	o.digest = newDigestReader(rc)
	o.reader = o.digest
	return o.reader, nil
}

// WrapDataStream replace data reader with decorator built by fn.
// The filter creating the decorator is responsible for closing it if it holds resources.
func (o *SyncObject) WrapDataStream(fn func(r io.Reader) io.Reader) error {
	r, err := o.DataStream()
	if err != nil {
		return err
	}
	o.reader = fn(r)
	return nil
}

// IsStreamOpened reports whether data stream was requested.
func (o *SyncObject) IsStreamOpened() bool {
	return o.stream.IsResolved()
}

// BytesRead return number of data bytes read from the raw stream.
func (o *SyncObject) BytesRead() int64 {
	if o.digest == nil {
		return 0
	}
	return o.digest.n.Load()
}

// Md5Hex return MD5 of object data. If forceRead is set, the remaining data is read to compute it,
// otherwise an error is returned unless the stream was fully consumed.
func (o *SyncObject) Md5Hex(forceRead bool) (string, error) {
	if o.digest == nil || !o.digest.eof {
		if !forceRead {
			return "", errors.New("data stream was not fully read")
		}
		if _, err := o.DataStream(); err != nil {
			return "", err
		}
		if _, err := io.Copy(io.Discard, o.digest); err != nil {
			return "", err
		}
	}
	return o.digest.sum(), nil
}

// DetachedMd5Hex return MD5 of object data read from a separately opened stream.
// The data stream of the object itself is left untouched, so it can still be written afterwards.
func (o *SyncObject) DetachedMd5Hex() (string, error) {
	if o.digest != nil && o.digest.eof {
		return o.digest.sum(), nil
	}
	rc, err := o.loader()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := md5.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Property return transient property value.
func (o *SyncObject) Property(key string) interface{} {
	return o.properties[key]
}

// BoolProperty return transient property as bool.
func (o *SyncObject) BoolProperty(key string) bool {
	v, _ := o.properties[key].(bool)
	return v
}

// SetProperty set transient property used to pass state between filters.
func (o *SyncObject) SetProperty(key string, value interface{}) {
	o.properties[key] = value
}

// TargetID return identifier of object on target, empty until written.
func (o *SyncObject) TargetID() string {
	return o.targetID
}

// SetTargetID set identifier of object on target.
func (o *SyncObject) SetTargetID(id string) {
	o.targetID = id
}

// IsPostStreamUpdateRequired reports whether metadata must be written again after the data stream was consumed.
func (o *SyncObject) IsPostStreamUpdateRequired() bool {
	return o.postStreamUpdate
}

// SetPostStreamUpdateRequired mark object for metadata finalization.
func (o *SyncObject) SetPostStreamUpdateRequired(v bool) {
	o.postStreamUpdate = v
}

// Close release data stream. It is safe to call Close several times.
func (o *SyncObject) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if !o.stream.IsResolved() {
		return nil
	}
	rc, err := o.stream.Get()
	if err != nil || rc == nil {
		return nil
	}
	return rc.Close()
}

type digestReader struct {
	r   io.Reader
	h   hash.Hash
	n   atomic.Int64
	eof bool
}

func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, h: md5.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n.Add(int64(n))
	}
	if err == io.EOF {
		d.eof = true
	}
	return n, err
}

func (d *digestReader) sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
