// Package version implements the three-part service.snapshot.log
// version clock described in spec.md section 4.4.
package version

import "fmt"

// Version is (service, snapshot, log), all non-negative.
type Version struct {
	Service  int
	Snapshot int
	Log      int
}

// New returns the initial version for a deployment's configured
// service component.
func New(service int) Version {
	return Version{Service: service}
}

// Compare returns -1, 0, or 1 by lexicographic comparison of
// (service, snapshot, log).
func Compare(a, b Version) int {
	if a.Service != b.Service {
		return sign(a.Service - b.Service)
	}
	if a.Snapshot != b.Snapshot {
		return sign(a.Snapshot - b.Snapshot)
	}
	return sign(a.Log - b.Log)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// BumpLog increments the log component, as every persisted op does.
func BumpLog(v Version) Version {
	v.Log++
	return v
}

// BumpSnapshot increments the snapshot component and resets log to 0,
// as cutting a snapshot does.
func BumpSnapshot(v Version) Version {
	v.Snapshot++
	v.Log = 0
	return v
}

// String renders the version as "service.snapshot.log".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Service, v.Snapshot, v.Log)
}
