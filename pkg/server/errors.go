package server

import (
	"errors"
	"net/http"

	"github.com/relves/dyadcast/internal/storage"
	"github.com/relves/dyadcast/pkg/decoder"
	"github.com/relves/dyadcast/pkg/dyadic"
	"github.com/relves/dyadcast/pkg/frame"
	"github.com/relves/dyadcast/pkg/headend"
	"github.com/relves/dyadcast/pkg/kdf"
	"github.com/relves/dyadcast/pkg/ledger"
	"github.com/relves/dyadcast/pkg/subscription"
)

// statusFor maps domain errors to HTTP status codes. Anything unknown is a
// server error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dyadic.ErrInvalidRange),
		errors.Is(err, kdf.ErrInvalidKeyLength),
		errors.Is(err, frame.ErrMalformed),
		errors.Is(err, frame.ErrFrameTooLarge),
		errors.Is(err, subscription.ErrMalformedPackage),
		errors.Is(err, subscription.ErrReservedChannel),
		errors.Is(err, decoder.ErrWrongDevice),
		errors.Is(err, headend.ErrNoDevices),
		errors.Is(err, ledger.ErrInvalidCID),
		errors.Is(err, ledger.ErrUnsupportedCID):
		return http.StatusBadRequest
	case errors.Is(err, frame.ErrAuthentication),
		errors.Is(err, subscription.ErrPackageAuth),
		errors.Is(err, decoder.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, subscription.ErrLookupMiss),
		errors.Is(err, headend.ErrUnknownChannel),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, decoder.ErrStaleFrame):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
