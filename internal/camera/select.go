package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ErrNoDevice is returned by Select when enumeration found nothing.
var ErrNoDevice = errors.New("camera: no device found")

// EnumerateAll lists the devices of every backend, in backend order.
//
// A failing backend is logged and skipped as long as another backend
// answers; if every backend fails the first error is returned.
func EnumerateAll(backends ...Backend) ([]Descriptor, error) {
	var (
		all      []Descriptor
		firstErr error
		ok       int
	)
	for _, b := range backends {
		descs, err := b.Enumerate()
		if err != nil {
			slog.Warn("camera: enumeration failed", "source", b.Source(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok++
		all = append(all, descs...)
	}

	if ok == 0 && firstErr != nil {
		return nil, firstErr
	}

	slog.Info("camera: enumeration complete", "devices", len(all))
	return all, nil
}

// Select picks a descriptor by preference.
//
// The preference may be an index ("0"), a "<source>/<index>" key
// ("webcam/1") or any substring of the friendly name or address (a GigE IP
// address, for instance). An empty or unmatched preference falls back to the
// first descriptor, so vendor devices win when they are listed first.
func Select(descs []Descriptor, preference string) (Descriptor, error) {
	if len(descs) == 0 {
		return Descriptor{}, NewError(KindEnumeration, "select", 0, MsgNoCamera, ErrNoDevice)
	}

	pref := strings.TrimSpace(preference)
	if pref == "" {
		return descs[0], nil
	}

	for _, d := range descs {
		if d.Key() == pref {
			return d, nil
		}
	}
	if idx, err := strconv.Atoi(pref); err == nil {
		for _, d := range descs {
			if d.Index == idx {
				return d, nil
			}
		}
	}

	lower := strings.ToLower(pref)
	for _, d := range descs {
		if strings.Contains(strings.ToLower(d.FriendlyName), lower) ||
			strings.Contains(strings.ToLower(d.Address), lower) {
			slog.Info("camera: preferred device matched", "preference", pref, "device", d.String())
			return d, nil
		}
	}

	slog.Warn("camera: preferred device not found, using first device",
		"preference", pref,
		"fallback", descs[0].String(),
	)
	return descs[0], nil
}

// BackendFor returns the backend that opens d.
func BackendFor(d Descriptor, backends ...Backend) (Backend, error) {
	for _, b := range backends {
		if b.Source() == d.Source {
			return b, nil
		}
	}
	return nil, fmt.Errorf("camera: no backend for source %q", d.Source)
}
