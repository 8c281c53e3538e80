//go:build !mvsdk || !cgo

package mvsdk

// Native returns ErrUnavailable; build with -tags mvsdk and cgo enabled to
// link libMVSDK.
func Native() (SDK, error) {
	return nil, ErrUnavailable
}
