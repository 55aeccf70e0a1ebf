package fs

import (
	"errors"

	"github.com/pkg/xattr"
)

func isNoXattrData(err error) bool {
	var xErr *xattr.Error
	if errors.As(err, &xErr) {
		return errors.Is(xErr.Err, xattr.ENOATTR)
	}
	return false
}

func isXattrSupported() bool {
	return xattr.XATTR_SUPPORTED
}
