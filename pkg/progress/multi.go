package progress

import "github.com/openSYDE/openSYDE-sub010/pkg/sequence"

// Multi forwards every report to all reporters. It asks for an abort if any
// of them does; every reporter still sees the report.
type Multi []sequence.Reporter

func (m Multi) ReportProgress(ev sequence.Event) bool {
	ok := true
	for _, r := range m {
		if !r.ReportProgress(ev) {
			ok = false
		}
	}
	return ok
}

func (m Multi) ReportDeviceInfo(info sequence.DeviceInformation) bool {
	ok := true
	for _, r := range m {
		if !r.ReportDeviceInfo(info) {
			ok = false
		}
	}
	return ok
}
