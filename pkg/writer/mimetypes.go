package writer

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Mnemosyne/pkg/errors"
)

// mimetypeLookup maps a stream resource's spec tag to the mimetype
// registered on its array node. The table is fixed; an unrecognized tag
// is a protocol violation.
var mimetypeLookup = map[string]string{
	"hdf5":               "application/x-hdf5",
	"ADHDF5_SWMR_STREAM": "application/x-hdf5",
	"AD_HDF5_SWMR_SLICE": "application/x-hdf5",
	"tiff":               "multipart/related;type=image/tiff",
	"AD_TIFF":            "multipart/related;type=image/tiff",
}

// MimetypeForSpec resolves the mimetype for a resource spec tag.
func MimetypeForSpec(spec string) (string, error) {
	mt, ok := mimetypeLookup[spec]
	if !ok {
		return "", fmt.Errorf("%w: %q", sdkerrors.ErrUnsupportedSpec, spec)
	}
	return mt, nil
}
