// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pakparams holds the wire structures exchanged over the system
// bus, both for the methods pakd serves and for the collaborator services
// it calls. Changing a field tag here changes the on-the-wire protocol.
package pakparams

// InstallRequest asks the daemon to download and install a package.
type InstallRequest struct {
	// IpkURL is the location the artifact is downloaded from.
	IpkURL string `json:"ipkUrl"`
	// IpkHash is the expected SHA-256 of the artifact, lowercase hex.
	IpkHash string `json:"ipkHash"`
	// Subscribe requests intermediate status payloads before the
	// terminal one.
	Subscribe bool `json:"subscribe,omitempty"`
}

// InstallStatus is one status payload in an install response stream. The
// terminal payload of a successful install has Finished set; a self-update
// handoff is reported with StatusText alone.
type InstallStatus struct {
	StatusText string   `json:"statusText"`
	Progress   *float64 `json:"progress,omitempty"`
	Finished   bool     `json:"finished,omitempty"`
}

// RemoveRequest asks the daemon to uninstall a package by id.
type RemoveRequest struct {
	ID        string `json:"id"`
	Subscribe bool   `json:"subscribe,omitempty"`
}

// Error is the terminal payload of any failed request.
type Error struct {
	Message string `json:"errorMessage"`
}

// InstallerRequest submits an operation to the external installer
// service: install carries the artifact path, remove just the id.
// Subscribe is always set; the installer reports progress on the same
// token until a terminal status.
type InstallerRequest struct {
	ID           string `json:"id"`
	ArtifactPath string `json:"artifactPath,omitempty"`
	Subscribe    bool   `json:"subscribe"`
}

// InstallerStatus is one payload from the installer service subscription.
// The installer mixes three shapes on the same stream: a flat refusal
// (ReturnValue false with ErrorCode/ErrorText), a nested details error
// (Details.ErrorCode/Details.Reason), and plain progress carrying only
// StatusValue. Pointer fields distinguish "absent" from zero values.
type InstallerStatus struct {
	ReturnValue *bool             `json:"returnValue,omitempty"`
	ErrorCode   int               `json:"errorCode,omitempty"`
	ErrorText   string            `json:"errorText,omitempty"`
	StatusValue *int              `json:"statusValue,omitempty"`
	Details     *InstallerDetails `json:"details,omitempty"`
}

// InstallerDetails is the nested detail object of an InstallerStatus.
type InstallerDetails struct {
	ErrorCode *int   `json:"errorCode,omitempty"`
	Reason    string `json:"reason,omitempty"`
	PackageID string `json:"packageId,omitempty"`
	State     string `json:"state,omitempty"`
}

// Installer terminal status values.
const (
	InstallerStatusInstalled = 30
	InstallerStatusRemoved   = 31
)

// GetConfigsRequest reads flag-file configuration values by name.
type GetConfigsRequest struct {
	ConfigNames []string `json:"configNames"`
}

// GetConfigsResponse carries the values found; names with no flag file
// present are listed in Missing.
type GetConfigsResponse struct {
	Configs map[string]string `json:"configs"`
	Missing []string          `json:"missingConfigNames,omitempty"`
}

// SetConfigsRequest writes flag-file configuration values.
type SetConfigsRequest struct {
	Configs map[string]string `json:"configs"`
}

// ExecRequest runs a shell command to completion.
type ExecRequest struct {
	Command string `json:"command"`
}

// ExecResponse is the single response to an ExecRequest.
type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// SpawnRequest starts a process whose output is streamed back as
// SpawnEvent payloads.
type SpawnRequest struct {
	Command string `json:"command"`
}

// Spawn event kinds.
const (
	SpawnEventStdout = "stdoutData"
	SpawnEventStderr = "stderrData"
	SpawnEventClosed = "closed"
)

// SpawnEvent is one event in a spawn response stream: a chunk of process
// output, or the final closed event carrying the exit code.
type SpawnEvent struct {
	Event    string `json:"event"`
	Data     string `json:"data,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// CheckRootResponse reports whether the daemon runs elevated, and its
// version.
type CheckRootResponse struct {
	Root    bool   `json:"root"`
	Version string `json:"version"`
}

// AutostartResponse reports the outcome of the once-per-boot
// initialization. Initialized is false when this boot was already
// initialized; Reason says why.
type AutostartResponse struct {
	Initialized bool   `json:"initialized"`
	Reason      string `json:"reason,omitempty"`
}

// UpdateStartupScriptResponse reports the outcome of a startup-script
// integrity check. Updated is true when the script was rewritten;
// Reason explains a flagged (unrecognised, left untouched) script.
type UpdateStartupScriptResponse struct {
	Updated bool   `json:"updated"`
	Reason  string `json:"reason,omitempty"`
}

// ToastRequest displays a short user-visible notification. Best effort;
// the caller never waits on delivery.
type ToastRequest struct {
	Message  string `json:"message"`
	SourceID string `json:"sourceId,omitempty"`
}

// Ack is the generic single-payload success response for methods with no
// other result.
type Ack struct {
	OK bool `json:"returnValue"`
}
