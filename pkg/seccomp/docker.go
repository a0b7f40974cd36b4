package seccomp

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// The OCI field names match Docker's --security-opt seccomp=<file> format.

// DockerNetworkProfileJSON renders NetworkAllowProfile for docker run.
func DockerNetworkProfileJSON() ([]byte, error) {
	return dockerJSON(NetworkAllowProfile())
}

// DockerGuardedProfileJSON renders GuardedProfile for docker run.
func DockerGuardedProfileJSON() ([]byte, error) {
	return dockerJSON(GuardedProfile())
}

func dockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
