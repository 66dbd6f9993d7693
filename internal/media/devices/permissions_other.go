//go:build !darwin

package devices

import "github.com/aminelahmer1/livestream-core/internal/media"

// Other platforms gate device access in the driver itself.
func ensurePermission(media.Kind) error { return nil }
