package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestGuardedProfile_DenyByDefault(t *testing.T) {
	p := GuardedProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestGuardedProfile_MemfdCreateAllowed(t *testing.T) {
	p := GuardedProfile()
	found := false
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			for _, name := range rule.Names {
				if name == "memfd_create" {
					found = true
					break
				}
			}
		}
		if found {
			break
		}
	}
	if !found {
		t.Error("memfd_create should be allowed in guarded profile")
	}
}

func TestNetworkProfile_HasSocketSyscalls(t *testing.T) {
	p := NetworkAllowProfile()

	needed := map[string]bool{"socket": false, "connect": false, "bind": false}
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			for _, name := range rule.Names {
				if _, ok := needed[name]; ok {
					needed[name] = true
				}
			}
		}
	}
	for name, found := range needed {
		if !found {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestDockerGuardedProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerGuardedProfileJSON()
	if err != nil {
		t.Fatalf("DockerGuardedProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().Allow("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 {
		t.Errorf("got %d names, want 2", len(rule.Names))
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}

func TestGuardedProfile_UnixSocketsOnly(t *testing.T) {
	p := GuardedProfile()

	var socketRules int
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			if name != "socket" && name != "socketpair" {
				continue
			}
			socketRules++
			if len(rule.Args) != 1 {
				t.Fatalf("%s allowed without argument filter", name)
			}
			arg := rule.Args[0]
			if arg.Index != 0 || arg.Value != 1 || arg.Op != specs.OpEqualTo {
				t.Errorf("%s filter = %+v, want arg0 == AF_UNIX", name, arg)
			}
		}
	}
	if socketRules != 2 {
		t.Errorf("got %d socket rules, want 2", socketRules)
	}
}

func TestProfiles_PythonSyscalls(t *testing.T) {
	profiles := map[string]*specs.LinuxSeccomp{
		"network": NetworkAllowProfile(),
		"guarded": GuardedProfile(),
	}
	for name, p := range profiles {
		t.Run(name, func(t *testing.T) {
			allowed := map[string]bool{}
			for _, rule := range p.Syscalls {
				if rule.Action == specs.ActAllow && len(rule.Args) == 0 {
					for _, n := range rule.Names {
						allowed[n] = true
					}
				}
			}
			for _, want := range []string{"sched_getaffinity", "getrusage", "rseq", "kill", "setsid"} {
				if !allowed[want] {
					t.Errorf("%s not allowed", want)
				}
			}
		})
	}
}

func TestDockerProfiles_ArgsSerialized(t *testing.T) {
	data, err := DockerGuardedProfileJSON()
	if err != nil {
		t.Fatalf("DockerGuardedProfileJSON: %v", err)
	}
	var dp struct {
		Syscalls []struct {
			Names []string `json:"names"`
			Args  []struct {
				Index uint   `json:"index"`
				Value uint64 `json:"value"`
				Op    string `json:"op"`
			} `json:"args"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, rule := range dp.Syscalls {
		if len(rule.Names) == 1 && rule.Names[0] == "socket" {
			if len(rule.Args) != 1 || rule.Args[0].Op != "SCMP_CMP_EQ" {
				t.Errorf("socket args = %+v", rule.Args)
			}
			return
		}
	}
	t.Error("socket rule missing from guarded docker profile")
}

func TestDockerNetworkProfileJSON(t *testing.T) {
	data, err := DockerNetworkProfileJSON()
	if err != nil {
		t.Fatalf("DockerNetworkProfileJSON: %v", err)
	}
	if !json.Valid(data) {
		t.Error("invalid JSON")
	}
}

func TestBuilder_AllowSocketFamilies(t *testing.T) {
	p := NewBuilder().AllowSocketFamilies(1, 2).Build()
	if len(p.Syscalls) != 2 {
		t.Fatalf("got %d rules, want one per family", len(p.Syscalls))
	}
	for i, family := range []uint64{1, 2} {
		rule := p.Syscalls[i]
		if len(rule.Names) != 2 || rule.Names[0] != "socket" || rule.Names[1] != "socketpair" {
			t.Errorf("rule %d names = %v", i, rule.Names)
		}
		if len(rule.Args) != 1 || rule.Args[0].Value != family {
			t.Errorf("rule %d args = %+v, want arg0 == %d", i, rule.Args, family)
		}
	}
}

func TestNetworkProfile_InetFamiliesOnly(t *testing.T) {
	families := map[uint64]bool{}
	for _, rule := range NetworkAllowProfile().Syscalls {
		for _, name := range rule.Names {
			if name != "socket" {
				continue
			}
			if len(rule.Args) == 0 {
				t.Fatal("socket allowed for every family")
			}
			families[rule.Args[0].Value] = true
		}
	}
	// AF_UNIX, AF_INET, AF_INET6
	for _, f := range []uint64{1, 2, 10} {
		if !families[f] {
			t.Errorf("family %d not allowed", f)
		}
	}
	if len(families) != 3 {
		t.Errorf("allowed families = %v, want exactly 3", families)
	}
}
