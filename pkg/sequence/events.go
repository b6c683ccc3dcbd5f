package sequence

import (
	"fmt"

	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
)

// Phase is one of the four update phases.
type Phase int

const (
	PhaseActivate Phase = iota + 1
	PhaseReadInfo
	PhaseUpdate
	PhaseReset
)

func (p Phase) String() string {
	switch p {
	case PhaseActivate:
		return "activate flashloader"
	case PhaseReadInfo:
		return "read device information"
	case PhaseUpdate:
		return "update system"
	case PhaseReset:
		return "reset system"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Step is a sub-step within a phase. The hundreds digit is the phase.
type Step int

// Activate flashloader steps.
const (
	ActivateStart Step = 100 + iota
	ActivateBroadcastRequestProgramming
	ActivateBroadcastRequestProgrammingError
	ActivateBroadcastECUReset
	ActivateBroadcastECUResetError
	ActivateLegacyBroadcastFlash
	ActivateLegacyBroadcastFlashError
	ActivateResetWait
	ActivateBroadcastEnterPreProgramming
	ActivateBroadcastEnterPreProgrammingError
	ActivateNodeStart
	ActivateNodeSkipped
	ActivateRouting
	ActivateRoutingError
	ActivateRequestProgramming
	ActivateRequestProgrammingError
	ActivateECUReset
	ActivateECUResetError
	ActivateNodeResetWait
	ActivateSetSession
	ActivateSetSessionError
	ActivateLegacyWakeup
	ActivateLegacyWakeupError
	ActivateNodeFinished
	ActivateNodeError
	ActivateFinished
	ActivateAborted
)

// Read device information steps.
const (
	ReadInfoStart Step = 200 + iota
	ReadInfoNodeStart
	ReadInfoNodeSkipped
	ReadInfoRouting
	ReadInfoRoutingError
	ReadInfoSetSession
	ReadInfoSetSessionError
	ReadInfoDeviceName
	ReadInfoDeviceNameError
	ReadInfoFlashBlocks
	ReadInfoFlashBlocksError
	ReadInfoFlashloaderInfo
	ReadInfoFlashloaderInfoError
	ReadInfoRoutingFeatureError
	ReadInfoLegacyWakeup
	ReadInfoLegacyWakeupError
	ReadInfoLegacyInfo
	ReadInfoLegacyInfoError
	ReadInfoReported
	ReadInfoNodeFinished
	ReadInfoNodeError
	ReadInfoFinished
	ReadInfoAborted
)

// Update system steps.
const (
	UpdateStart Step = 300 + iota
	UpdateNodeStart
	UpdateNodeUnreachable
	UpdateRouting
	UpdateRoutingError
	UpdateSetSession
	UpdateSetSessionError
	UpdateDeviceNameCheck
	UpdateDeviceNameCommError
	UpdateDeviceNameMatchError
	UpdateHexOpenError
	UpdateHexSignatureError
	UpdateFileStart
	UpdateRequestDownload
	UpdateRequestDownloadError
	UpdateTransferData
	UpdateTransferDataError
	UpdateTransferExit
	UpdateTransferExitError
	UpdateFileTransfer
	UpdateFileTransferError
	UpdateFileOpenError
	UpdateFileFinished
	UpdateNVMStart
	UpdateNVMOpenError
	UpdateNVMWriteError
	UpdateNVMFinished
	UpdatePEMStart
	UpdatePEMOpenError
	UpdatePEMWriteError
	UpdateSecurityActivationError
	UpdateDebuggerActivationError
	UpdatePEMFinished
	UpdateFingerprint
	UpdateFingerprintError
	UpdateFingerprintUnsupported
	UpdateLegacyWakeup
	UpdateLegacyWakeupError
	UpdateLegacyFlash
	UpdateLegacyFlashProgress
	UpdateLegacyFlashError
	UpdateNodeFinished
	UpdateNodeError
	UpdateFinished
	UpdateAborted
)

// Reset system steps.
const (
	ResetStart Step = 400 + iota
	ResetNodeStart
	ResetNodeSkipped
	ResetRouting
	ResetRoutedNodeError
	ResetNodeError
	ResetNodeFinished
	ResetFinished
	ResetAborted
)

var stepNames = map[Step]string{
	ActivateStart:                             "start",
	ActivateBroadcastRequestProgramming:       "broadcast request programming",
	ActivateBroadcastRequestProgrammingError:  "broadcast request programming failed",
	ActivateBroadcastECUReset:                 "broadcast ECU reset",
	ActivateBroadcastECUResetError:            "broadcast ECU reset failed",
	ActivateLegacyBroadcastFlash:              "legacy broadcast flash",
	ActivateLegacyBroadcastFlashError:         "legacy broadcast flash failed",
	ActivateResetWait:                         "waiting for devices to restart",
	ActivateBroadcastEnterPreProgramming:      "broadcast enter pre-programming",
	ActivateBroadcastEnterPreProgrammingError: "broadcast enter pre-programming failed",
	ActivateNodeStart:                         "node start",
	ActivateNodeSkipped:                       "node skipped",
	ActivateRouting:                           "start routing",
	ActivateRoutingError:                      "start routing failed",
	ActivateRequestProgramming:                "request programming",
	ActivateRequestProgrammingError:           "request programming failed",
	ActivateECUReset:                          "ECU reset",
	ActivateECUResetError:                     "ECU reset failed",
	ActivateNodeResetWait:                     "waiting for node to restart",
	ActivateSetSession:                        "enter pre-programming session",
	ActivateSetSessionError:                   "enter pre-programming session failed",
	ActivateLegacyWakeup:                      "legacy wakeup",
	ActivateLegacyWakeupError:                 "legacy wakeup failed",
	ActivateNodeFinished:                      "node finished",
	ActivateNodeError:                         "node failed",
	ActivateFinished:                          "finished",
	ActivateAborted:                           "aborted",

	ReadInfoStart:                "start",
	ReadInfoNodeStart:            "node start",
	ReadInfoNodeSkipped:          "node skipped",
	ReadInfoRouting:              "start routing",
	ReadInfoRoutingError:         "start routing failed",
	ReadInfoSetSession:           "enter pre-programming session",
	ReadInfoSetSessionError:      "enter pre-programming session failed",
	ReadInfoDeviceName:           "read device name",
	ReadInfoDeviceNameError:      "read device name failed",
	ReadInfoFlashBlocks:          "read flash blocks",
	ReadInfoFlashBlocksError:     "read flash blocks failed",
	ReadInfoFlashloaderInfo:      "read flashloader information",
	ReadInfoFlashloaderInfoError: "read flashloader information failed",
	ReadInfoRoutingFeatureError:  "Ethernet to Ethernet routing not supported",
	ReadInfoLegacyWakeup:         "legacy wakeup",
	ReadInfoLegacyWakeupError:    "legacy wakeup failed",
	ReadInfoLegacyInfo:           "legacy read information",
	ReadInfoLegacyInfoError:      "legacy read information failed",
	ReadInfoReported:             "device information reported",
	ReadInfoNodeFinished:         "node finished",
	ReadInfoNodeError:            "node failed",
	ReadInfoFinished:             "finished",
	ReadInfoAborted:              "aborted",

	UpdateStart:                   "start",
	UpdateNodeStart:               "node start",
	UpdateNodeUnreachable:         "node unreachable",
	UpdateRouting:                 "start routing",
	UpdateRoutingError:            "start routing failed",
	UpdateSetSession:              "enter programming session",
	UpdateSetSessionError:         "enter programming session failed",
	UpdateDeviceNameCheck:         "check device name",
	UpdateDeviceNameCommError:     "read device name failed",
	UpdateDeviceNameMatchError:    "device name mismatch",
	UpdateHexOpenError:            "open HEX file failed",
	UpdateHexSignatureError:       "HEX file has no device information",
	UpdateFileStart:               "file start",
	UpdateRequestDownload:         "request download",
	UpdateRequestDownloadError:    "request download failed",
	UpdateTransferData:            "transfer data",
	UpdateTransferDataError:       "transfer data failed",
	UpdateTransferExit:            "request transfer exit",
	UpdateTransferExitError:       "request transfer exit failed",
	UpdateFileTransfer:            "request file transfer",
	UpdateFileTransferError:       "request file transfer failed",
	UpdateFileOpenError:           "open file failed",
	UpdateFileFinished:            "file finished",
	UpdateNVMStart:                "write NVM parameters",
	UpdateNVMOpenError:            "open NVM file failed",
	UpdateNVMWriteError:           "write NVM failed",
	UpdateNVMFinished:             "NVM parameters written",
	UpdatePEMStart:                "write PEM file",
	UpdatePEMOpenError:            "open PEM file failed",
	UpdatePEMWriteError:           "write security key failed",
	UpdateSecurityActivationError: "write security activation failed",
	UpdateDebuggerActivationError: "write debugger activation failed",
	UpdatePEMFinished:             "PEM file written",
	UpdateFingerprint:             "write fingerprint",
	UpdateFingerprintError:        "write fingerprint failed",
	UpdateFingerprintUnsupported:  "fingerprint not supported",
	UpdateLegacyWakeup:            "legacy wakeup",
	UpdateLegacyWakeupError:       "legacy wakeup failed",
	UpdateLegacyFlash:             "legacy flash",
	UpdateLegacyFlashProgress:     "legacy flash progress",
	UpdateLegacyFlashError:        "legacy flash failed",
	UpdateNodeFinished:            "node finished",
	UpdateNodeError:               "node failed",
	UpdateFinished:                "finished",
	UpdateAborted:                 "aborted",

	ResetStart:           "start",
	ResetNodeStart:       "reset node",
	ResetNodeSkipped:     "node skipped",
	ResetRouting:         "start routing",
	ResetRoutedNodeError: "start routing failed",
	ResetNodeError:       "reset node failed",
	ResetNodeFinished:    "node reset",
	ResetFinished:        "finished",
	ResetAborted:         "aborted",
}

// Phase returns the phase the step belongs to.
func (s Step) Phase() Phase {
	return Phase(int(s) / 100)
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// NodeIdentity names the node an event refers to.
type NodeIdentity struct {
	Index   int
	Name    string
	Address protocol.Address
}

func (n NodeIdentity) String() string {
	return fmt.Sprintf("%s (%s)", n.Name, n.Address)
}

// Event is one progress notification. Node is nil for node-agnostic steps;
// Err is nil unless the step reports a failure.
type Event struct {
	Phase   Phase
	Step    Step
	Node    *NodeIdentity
	Err     error
	Percent int
	Detail  string
}

func (e Event) String() string {
	s := e.Phase.String() + ": " + e.Step.String()
	if e.Node != nil {
		s += " [" + e.Node.Name + "]"
	}
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// DeviceInformation is handed to the reporter for every node read in the
// read-information phase. Exactly one of Native and Legacy is set.
type DeviceInformation struct {
	Node   NodeIdentity
	Native *protocol.NativeInfo
	Legacy *protocol.LegacyInfo
}

// Reporter receives progress. Returning false from either method asks the
// sequencer to abort at the next checkpoint.
type Reporter interface {
	ReportProgress(ev Event) bool
	ReportDeviceInfo(info DeviceInformation) bool
}

// NopReporter accepts everything and never aborts.
type NopReporter struct{}

func (NopReporter) ReportProgress(Event) bool             { return true }
func (NopReporter) ReportDeviceInfo(DeviceInformation) bool { return true }
