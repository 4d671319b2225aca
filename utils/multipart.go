package utils

import (
	"errors"
	"net/http"

	"vo_platform/base"
)

// MultipartOverhead is the room left in a multipart body for part
// headers, boundaries and plain form fields on top of the upload limit.
const MultipartOverhead = 1 << 20

// ParseMultipartForm parses a multipart request in which every file part
// may hold up to maxUpload bytes.
func ParseMultipartForm(r *http.Request, maxUpload int64) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUpload+MultipartOverhead)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &base.TooLargeError{Limit: maxUpload}
		}
		return base.NewValidationError("", "Cannot parse multipart request: %s", err)
	}
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			if fh.Size > maxUpload {
				_ = r.MultipartForm.RemoveAll()
				return &base.TooLargeError{Limit: maxUpload}
			}
		}
	}
	return nil
}
