package storage

import (
	"fmt"
	"sort"
)

// ObjectVersion is one entry of a version chain.
type ObjectVersion struct {
	*SyncObject
	VersionID    string
	ETag         string
	Latest       bool
	DeleteMarker bool
}

// versionLess orders by modification time, exact ties by version id.
func versionLess(a, b *ObjectVersion) bool {
	ta, tb := a.metadata.ModificationTime, b.metadata.ModificationTime
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.VersionID < b.VersionID
}

// SortVersions sort chain oldest to newest.
func SortVersions(chain []*ObjectVersion) {
	sort.SliceStable(chain, func(i, j int) bool {
		return versionLess(chain[i], chain[j])
	})
}

// ValidateChain checks that exactly one version is latest and that it is the last one.
func ValidateChain(chain []*ObjectVersion) error {
	if len(chain) == 0 {
		return nil
	}
	latest := 0
	for _, v := range chain {
		if v.Latest {
			latest++
		}
	}
	if latest != 1 {
		return fmt.Errorf("version chain has %d latest versions", latest)
	}
	if !chain[len(chain)-1].Latest {
		return fmt.Errorf("latest version %s is not the newest one", chain[len(chain)-1].VersionID)
	}
	return nil
}

// CloseVersions close every version of chain.
func CloseVersions(chain []*ObjectVersion) {
	for _, v := range chain {
		if err := v.Close(); err != nil {
			Log.Debugf("Failed to close version %s of %s: %s", v.VersionID, v.RelativePath(), err)
		}
	}
}
