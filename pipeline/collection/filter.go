package collection

import (
	"context"
	"path/filepath"

	"github.com/larrabee/ecssync/pipeline"
	"github.com/samber/lo"
)

type extFilter struct {
	pipeline.ForwardOnly
	exts    []string
	exclude bool
}

// FilterObjectsByExt forwards only objects with one of the given extensions (".jpg"). Directories always pass.
func FilterObjectsByExt(exts []string) (pipeline.Filter, error) {
	if len(exts) == 0 {
		return nil, &pipeline.StepConfigurationError{StepName: "FilterObjectsByExt", Reason: "no extensions"}
	}
	return &extFilter{exts: exts}, nil
}

// FilterObjectsByExtNot skips objects with one of the given extensions.
func FilterObjectsByExtNot(exts []string) (pipeline.Filter, error) {
	if len(exts) == 0 {
		return nil, &pipeline.StepConfigurationError{StepName: "FilterObjectsByExtNot", Reason: "no extensions"}
	}
	return &extFilter{exts: exts, exclude: true}, nil
}

func (f *extFilter) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	if oc.Object.IsDirectory() {
		return pipeline.Forwarded, nil
	}
	if lo.Contains(f.exts, filepath.Ext(oc.Object.RelativePath())) != f.exclude {
		return pipeline.Forwarded, nil
	}
	return oc.Skip("filtered by extension"), nil
}

type ctFilter struct {
	pipeline.ForwardOnly
	types   []string
	exclude bool
}

// FilterObjectsByCT forwards only objects with one of the given content types.
func FilterObjectsByCT(types []string) (pipeline.Filter, error) {
	if len(types) == 0 {
		return nil, &pipeline.StepConfigurationError{StepName: "FilterObjectsByCT", Reason: "no content types"}
	}
	return &ctFilter{types: types}, nil
}

// FilterObjectsByCTNot skips objects with one of the given content types.
func FilterObjectsByCTNot(types []string) (pipeline.Filter, error) {
	if len(types) == 0 {
		return nil, &pipeline.StepConfigurationError{StepName: "FilterObjectsByCTNot", Reason: "no content types"}
	}
	return &ctFilter{types: types, exclude: true}, nil
}

func (f *ctFilter) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	if oc.Object.IsDirectory() {
		return pipeline.Forwarded, nil
	}
	if lo.Contains(f.types, oc.Object.Metadata().ContentType) != f.exclude {
		return pipeline.Forwarded, nil
	}
	return oc.Skip("filtered by content type"), nil
}

type mtimeFilter struct {
	pipeline.ForwardOnly
	ts     int64
	before bool
}

// FilterObjectsByMtimeAfter forwards objects modified after the unix timestamp ts.
func FilterObjectsByMtimeAfter(ts int64) pipeline.Filter {
	return &mtimeFilter{ts: ts}
}

// FilterObjectsByMtimeBefore forwards objects modified before the unix timestamp ts.
func FilterObjectsByMtimeBefore(ts int64) pipeline.Filter {
	return &mtimeFilter{ts: ts, before: true}
}

func (f *mtimeFilter) Filter(ctx context.Context, oc *pipeline.ObjectContext) (pipeline.Outcome, error) {
	if oc.Object.IsDirectory() {
		return pipeline.Forwarded, nil
	}
	mtime := oc.Object.Metadata().ModificationTime.Unix()
	if (f.before && mtime < f.ts) || (!f.before && mtime > f.ts) {
		return pipeline.Forwarded, nil
	}
	return oc.Skip("filtered by modification time"), nil
}
