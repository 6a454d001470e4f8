//go:build linux

package sandbox

import (
	seccomp "github.com/elastic/go-seccomp-bpf"
	"go.trai.ch/zerr"
)

// deniedSyscalls reach kernel facilities no sandboxed program needs. They
// fail with EPERM.
var deniedSyscalls = []string{
	"mount", "umount2", "pivot_root", "chroot",
	"unshare", "setns",
	"ptrace", "process_vm_readv", "process_vm_writev",
	"kexec_load", "init_module", "finit_module", "delete_module",
	"reboot", "swapon", "swapoff", "acct", "quotactl",
	"bpf", "perf_event_open", "userfaultfd",
	"keyctl", "add_key", "request_key",
	"open_by_handle_at", "name_to_handle_at",
	"settimeofday", "clock_settime", "sethostname", "setdomainname",
	"syslog", "vhangup",
}

// loadFilter installs the syscall filter on every thread and sets
// no_new_privs, so neither survives an exec into something more privileged.
func loadFilter() error {
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{
				{Action: seccomp.ActionErrno, Names: deniedSyscalls},
			},
		},
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		return zerr.Wrap(err, "load seccomp filter")
	}
	return nil
}
