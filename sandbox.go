package claude

import "fmt"

// SandboxNetworkConfig represents network configuration for sandbox.
type SandboxNetworkConfig struct {
	AllowUnixSockets    []string `json:"allowUnixSockets,omitempty"`
	AllowAllUnixSockets *bool    `json:"allowAllUnixSockets,omitempty"`
	AllowLocalBinding   *bool    `json:"allowLocalBinding,omitempty"`
	HTTPProxyPort       *int     `json:"httpProxyPort,omitempty"`
	SocksProxyPort      *int     `json:"socksProxyPort,omitempty"`
}

// SandboxIgnoreViolations represents violations to ignore in sandbox.
type SandboxIgnoreViolations struct {
	File    []string `json:"file,omitempty"`
	Network []string `json:"network,omitempty"`
}

// SandboxSettings represents sandbox settings configuration.
type SandboxSettings struct {
	Enabled                   *bool                    `json:"enabled,omitempty"`
	AutoAllowBashIfSandboxed  *bool                    `json:"autoAllowBashIfSandboxed,omitempty"`
	ExcludedCommands          []string                 `json:"excludedCommands,omitempty"`
	AllowUnsandboxedCommands  *bool                    `json:"allowUnsandboxedCommands,omitempty"`
	Network                   *SandboxNetworkConfig    `json:"network,omitempty"`
	IgnoreViolations          *SandboxIgnoreViolations `json:"ignoreViolations,omitempty"`
	EnableWeakerNestedSandbox *bool                    `json:"enableWeakerNestedSandbox,omitempty"`
}

// Validate rejects proxy port numbers that can never be a valid TCP port,
// catching a misconfigured Sandbox before it's marshaled into the CLI's
// settings JSON and fails far away from the option that caused it.
func (s *SandboxSettings) Validate() error {
	if s == nil || s.Network == nil {
		return nil
	}
	for _, port := range []*int{s.Network.HTTPProxyPort, s.Network.SocksProxyPort} {
		if port != nil && (*port < 1 || *port > 65535) {
			return &SDKError{Message: fmt.Sprintf("sandbox: invalid proxy port %d", *port)}
		}
	}
	return nil
}
