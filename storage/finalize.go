package storage

import (
	"context"
	"fmt"
)

// FinalizeMetadata writes metadata computed while the data stream was read. It does nothing unless the object
// is marked with SetPostStreamUpdateRequired.
func FinalizeMetadata(ctx context.Context, st Storage, identifier string, obj *SyncObject) error {
	if !obj.IsPostStreamUpdateRequired() {
		return nil
	}
	updater, ok := st.(MetadataUpdater)
	if !ok {
		return NonRetriable(fmt.Errorf("%s storage cannot update metadata of written object %s", st.Type(), identifier))
	}
	if err := updater.UpdateMetadata(ctx, identifier, obj); err != nil {
		return fmt.Errorf("finalize metadata of %s: %w", identifier, err)
	}
	obj.SetPostStreamUpdateRequired(false)
	return nil
}
