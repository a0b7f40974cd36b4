package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Builder assembles a deny-by-default filter for the architectures the
// sandbox images ship. Rules are evaluated in the order they are added.
type Builder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *Builder {
	return &Builder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{specs.ArchX86_64, specs.ArchAARCH64},
		},
	}
}

func (b *Builder) rule(action specs.LinuxSeccompAction, names []string, args ...specs.LinuxSeccompArg) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
		Args:   args,
	})
	return b
}

// Allow admits the named syscalls unconditionally.
func (b *Builder) Allow(names ...string) *Builder { return b.rule(specs.ActAllow, names) }

// Deny fails the named syscalls with EPERM. Only useful for documentation
// next to the default action, and for syscalls a later Allow would match.
func (b *Builder) Deny(names ...string) *Builder { return b.rule(specs.ActErrno, names) }

// Trap kills the caller with SIGSYS. Used for syscalls that only an escape
// attempt would make, so the attempt shows up as a signal.
func (b *Builder) Trap(names ...string) *Builder { return b.rule(specs.ActTrap, names) }

// AllowSocketFamilies admits socket and socketpair only for the given
// address families.
func (b *Builder) AllowSocketFamilies(families ...uint64) *Builder {
	for _, family := range families {
		b.rule(specs.ActAllow, []string{"socket", "socketpair"}, specs.LinuxSeccompArg{
			Index: 0,
			Value: family,
			Op:    specs.OpEqualTo,
		})
	}
	return b
}

func (b *Builder) Build() *specs.LinuxSeccomp {
	return b.profile
}
