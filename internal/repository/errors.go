package repository

import apperrors "github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"

// ErrStaleWrite is returned by compare-and-set updates whose guard no longer
// matches the stored row.
var ErrStaleWrite = apperrors.Conflict("row was modified concurrently")
