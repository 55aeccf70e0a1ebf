package main

import (
	"fmt"

	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/pipeline/collection"
	"github.com/larrabee/ecssync/storage"
	"github.com/larrabee/ecssync/storage/az"
	"github.com/larrabee/ecssync/storage/fs"
	"github.com/larrabee/ecssync/storage/s3"
	"github.com/larrabee/ecssync/storage/swift"
	"github.com/larrabee/ecssync/tracking"
)

type endpoint struct {
	noSign   bool
	key      string
	secret   string
	token    string
	region   string
	endpoint string
}

func (cli *argsParsed) sourceEndpoint() endpoint {
	return endpoint{cli.SourceNoSign, cli.SourceKey, cli.SourceSecret, cli.SourceToken, cli.SourceRegion, cli.SourceEndpoint}
}

func (cli *argsParsed) targetEndpoint() endpoint {
	return endpoint{cli.TargetNoSign, cli.TargetKey, cli.TargetSecret, cli.TargetToken, cli.TargetRegion, cli.TargetEndpoint}
}

func setupStorages(cli *argsParsed) (source, target storage.Storage, err error) {
	if source, err = newStorage(cli, cli.Source, cli.sourceEndpoint(), cli.Options.BufferSize); err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	if target, err = newStorage(cli, cli.Target, cli.targetEndpoint(), cli.Options.BufferSize); err != nil {
		return nil, nil, fmt.Errorf("target: %w", err)
	}

	if cli.RateLimitBandwidth > 0 {
		if err := source.WithRateLimit(cli.RateLimitBandwidth); err != nil {
			return nil, nil, storage.ConfigErrorf("bandwidth limit: %s", err)
		}
	}
	return source, target, nil
}

func newStorage(cli *argsParsed, conn connect, ep endpoint, bufSize int) (storage.Storage, error) {
	switch conn.Type {
	case storage.TypeS3:
		st := s3.NewS3Storage(ep.noSign, ep.key, ep.secret, ep.token, ep.region, ep.endpoint,
			conn.Bucket, conn.Path, cli.S3KeysPerReq, cli.S3Retry, cli.S3RetryInterval,
		)
		st.WithMultipart(cli.S3MultipartThreshold, cli.S3PartSize, cli.S3Resume)
		return st, nil
	case storage.TypeAz:
		return az.NewAzStorage(ep.key, ep.secret, ep.endpoint, conn.Bucket, conn.Path, cli.S3KeysPerReq)
	case storage.TypeSwift:
		return swift.NewStorage(ep.key, ep.secret, cli.SwiftTenant, cli.SwiftDomain, ep.endpoint, conn.Bucket, conn.Path, cli.SkipSSLVerify)
	case storage.TypeFS:
		return fs.NewFSStorage(conn.Path, cli.FSFilePerm, cli.FSDirPerm, bufSize, !cli.FSDisableXattr, cli.ErrorHandlingMask, cli.FSAtomicWrite), nil
	}
	return nil, storage.ConfigErrorf("unsupported storage type %s", conn.Type)
}

// setupFilters builds the filter chain. The target filter is appended by the job.
func setupFilters(cli *argsParsed, target storage.Storage) ([]*pipeline.Step, error) {
	var steps []*pipeline.Step
	add := func(name string, f pipeline.Filter, err error) error {
		if err != nil {
			return err
		}
		steps = append(steps, &pipeline.Step{Name: name, Filter: f})
		return nil
	}

	if cli.RateLimitObjPerSec > 0 {
		f, err := collection.PipelineRateLimit(cli.RateLimitObjPerSec)
		if err := add("RateLimit", f, err); err != nil {
			return nil, err
		}
	}
	if len(cli.FilterExt) > 0 {
		f, err := collection.FilterObjectsByExt(cli.FilterExt)
		if err := add("FilterObjByExt", f, err); err != nil {
			return nil, err
		}
	}
	if len(cli.FilterExtNot) > 0 {
		f, err := collection.FilterObjectsByExtNot(cli.FilterExtNot)
		if err := add("FilterObjByExtNot", f, err); err != nil {
			return nil, err
		}
	}
	if len(cli.FilterCT) > 0 {
		f, err := collection.FilterObjectsByCT(cli.FilterCT)
		if err := add("FilterObjByCT", f, err); err != nil {
			return nil, err
		}
	}
	if len(cli.FilterCTNot) > 0 {
		f, err := collection.FilterObjectsByCTNot(cli.FilterCTNot)
		if err := add("FilterObjByCTNot", f, err); err != nil {
			return nil, err
		}
	}
	if cli.FilterMtimeAfter > 0 {
		_ = add("FilterObjectsByMtimeAfter", collection.FilterObjectsByMtimeAfter(cli.FilterMtimeAfter), nil)
	}
	if cli.FilterMtimeBefore > 0 {
		_ = add("FilterObjectsByMtimeBefore", collection.FilterObjectsByMtimeBefore(cli.FilterMtimeBefore), nil)
	}
	if cli.FilterEtag {
		_ = add("TargetEtagCheck", collection.TargetEtagCheck(target), nil)
	}
	if cli.Acl != nil {
		_ = add("ACLUpdater", collection.ACLUpdater(cli.Acl), nil)
	}
	if cli.CacheControl != "" {
		_ = add("CacheControlUpdater", collection.CacheControlUpdater(cli.CacheControl), nil)
	}
	if len(cli.UserMetadata) > 0 {
		_ = add("UserMetadataTagger", collection.UserMetadataTagger(cli.UserMetadata), nil)
	}
	if cli.Md5Tag != "" {
		_ = add("SourceMd5Tagger", collection.SourceMd5Tagger(cli.Md5Tag), nil)
	}
	if cli.Throttle > 0 {
		f, err := collection.Throttle(cli.Throttle)
		if err := add("Throttle", f, err); err != nil {
			return nil, err
		}
	}
	if cli.SyncLog {
		_ = add("Logger", collection.Logger(log), nil)
	}
	return steps, nil
}

func setupTracking(cli *argsParsed) (tracking.Service, error) {
	if cli.DB == "" {
		if cli.Options.VerifyOnly {
			log.Warn("Verify-only run without tracking DB verifies every listed object")
		}
		return tracking.NewNoopService(), nil
	}
	return tracking.Open(cli.DB, cli.Options.DbTable, cli.Options.DbMetadataColumns)
}
