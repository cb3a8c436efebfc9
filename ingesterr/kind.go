package ingesterr

import "errors"

// Kind returns a short discriminator for err suitable for API responses and
// metric labels. Unknown errors report "internal".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrMissingTable) || errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}

	var de *DecodeError
	if errors.As(err, &de) {
		return "decode_" + string(de.Kind)
	}
	var sm *SchemaMismatchError
	if errors.As(err, &sm) {
		return "schema_mismatch"
	}
	var we *WriteError
	if errors.As(err, &we) {
		return string(we.Kind)
	}
	var ce *CatalogError
	if errors.As(err, &ce) {
		return "catalog_" + string(ce.Kind)
	}
	return "internal"
}

// IsClientFault reports whether err was caused by the caller's input rather
// than by the catalog or storage backends.
func IsClientFault(err error) bool {
	if errors.Is(err, ErrMissingTable) || errors.Is(err, ErrInvalidRequest) {
		return true
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return true
	}
	var sm *SchemaMismatchError
	return errors.As(err, &sm)
}

// IsUnavailable reports whether err means a backend could not be reached.
func IsUnavailable(err error) bool {
	var ce *CatalogError
	return errors.As(err, &ce) && ce.Kind == CatalogUnavailable
}
