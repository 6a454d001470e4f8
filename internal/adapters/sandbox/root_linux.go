//go:build linux

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
	"golang.org/x/sys/unix"
)

// initPath is where the sandbox binary is visible inside the root.
const initPath = "/.forge-init"

const hostname = "forge"

// devices are bound into the root when the host has them.
var devices = []string{"/dev/null", "/dev/zero", "/dev/full", "/dev/random", "/dev/urandom"}

// runInit runs as the first process of the sandbox namespaces: it builds
// the root, starts the exec stage and waits for the program.
func runInit(spec childSpec) initReport {
	if err := buildRoot(spec); err != nil {
		return initReport{Error: err.Error()}
	}

	setupR, setupW, err := os.Pipe()
	if err != nil {
		return initReport{Error: zerr.Wrap(err, "create setup pipe").Error()}
	}
	defer setupR.Close() //nolint:errcheck // Read end closed after use

	next := spec
	next.Stage = stageExec
	raw, err := json.Marshal(next)
	if err != nil {
		return initReport{Error: zerr.Wrap(err, "encode sandbox spec").Error()}
	}

	//nolint:gosec // The sandbox binary itself
	cmd := exec.Command(initPath)
	cmd.Args = []string{initArg0}
	cmd.Env = []string{initEnv + "=" + string(raw)}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{setupW}
	if err := cmd.Start(); err != nil {
		_ = setupW.Close()
		return initReport{Error: zerr.Wrap(err, "start program").Error()}
	}
	_ = setupW.Close()

	msg, _ := io.ReadAll(setupR)
	waitErr := cmd.Wait()
	if len(msg) > 0 {
		var report initReport
		if err := json.Unmarshal(msg, &report); err != nil {
			return initReport{Error: string(msg)}
		}
		return report
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return initReport{Error: zerr.Wrap(waitErr, "wait program").Error()}
	}
	code, signal, usage := exitOf(cmd.ProcessState)
	return initReport{ExitCode: code, Signal: signal, Usage: usage}
}

// buildRoot assembles a tmpfs root holding the readable system
// directories, a few devices, the working directory and the extra mounts,
// then pivots into it. Everything else of the host is out of reach.
func buildRoot(spec childSpec) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return zerr.Wrap(err, "make mounts private")
	}
	root := spec.Root
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0755"); err != nil {
		return zerr.With(zerr.Wrap(err, "mount root"), "path", root)
	}

	for _, dir := range spec.Readable {
		if err := exposeSystem(root, dir); err != nil {
			return err
		}
	}
	for _, dev := range devices {
		if _, err := os.Stat(dev); err != nil {
			continue
		}
		if err := bind(root, dev, false); err != nil {
			return err
		}
	}
	mountProc(root)
	if spec.Limits.MountTmpfs {
		if err := mountTmp(root, spec.Limits.FileSize); err != nil {
			return err
		}
	}

	if err := bindBox(root, spec.Dir, spec.Limits.ReadOnly); err != nil {
		return err
	}
	for _, m := range spec.Mounts {
		if err := bind(root, m, false); err != nil {
			return err
		}
	}
	if spec.Limits.ReadOnly {
		if err := remountReadOnly(filepath.Join(root, spec.Dir)); err != nil {
			return err
		}
	}

	visible := append([]string{spec.Dir}, spec.Readable...)
	visible = append(visible, spec.Mounts...)
	if !within(spec.Path, visible) {
		if err := bind(root, spec.Path, true); err != nil {
			return err
		}
	}
	if err := bindSelf(root); err != nil {
		return err
	}

	if err := pivot(root); err != nil {
		return err
	}
	if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return zerr.Wrap(err, "remount root read-only")
	}
	if err := unix.Sethostname([]byte(hostname)); err != nil {
		return zerr.Wrap(err, "set hostname")
	}
	if err := unix.Chdir(spec.Dir); err != nil {
		return zerr.With(zerr.Wrap(err, "enter working directory"), "path", spec.Dir)
	}
	return nil
}

// exposeSystem makes dir visible read-only. Symlinked directories, as
// found on merged /usr systems, are recreated as links.
func exposeSystem(root, dir string) error {
	info, err := os.Lstat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return zerr.With(zerr.Wrap(err, "stat readable path"), "path", dir)
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return bind(root, dir, true)
	}
	target, err := os.Readlink(dir)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "read link"), "path", dir)
	}
	link := filepath.Join(root, dir)
	if err := os.MkdirAll(filepath.Dir(link), domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "create mount point"), "path", link)
	}
	if err := os.Symlink(target, link); err != nil {
		return zerr.With(zerr.Wrap(err, "create link"), "path", link)
	}
	return nil
}

// bind mounts the host path src at the same path below root.
func bind(root, src string, readOnly bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "stat mount source"), "path", src)
	}
	dst := filepath.Join(root, src)
	if err := mountPoint(dst, info.IsDir()); err != nil {
		return err
	}
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return zerr.With(zerr.Wrap(err, "bind mount"), "path", src)
	}
	if !readOnly {
		return nil
	}
	return remountReadOnly(dst)
}

func mountPoint(path string, dir bool) error {
	if dir {
		if err := os.MkdirAll(path, domain.DirPerm); err != nil {
			return zerr.With(zerr.Wrap(err, "create mount point"), "path", path)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "create mount point"), "path", path)
	}
	//nolint:gosec // Path below the sandbox root
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, domain.PrivateFilePerm)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "create mount point"), "path", path)
	}
	return f.Close()
}

// bindBox exposes the working directory. In a read-only box the files the
// program may write, its declared outputs, are bound on their own so they
// stay writable once the box is remounted.
func bindBox(root, dir string, readOnly bool) error {
	if err := bind(root, dir, false); err != nil {
		return err
	}
	if !readOnly {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return zerr.With(zerr.Wrap(err, "stat box file"), "path", path)
		}
		if info.Mode().Perm()&0o200 == 0 {
			return nil
		}
		dst := filepath.Join(root, path)
		if err := unix.Mount(path, dst, "", unix.MS_BIND, ""); err != nil {
			return zerr.With(zerr.Wrap(err, "bind output"), "path", path)
		}
		return nil
	})
}

// remountReadOnly makes the bind mount at path read-only. A mount
// inherited from the host keeps its nosuid, nodev, noexec and atime flags:
// the kernel refuses to clear them from inside a user namespace.
func remountReadOnly(path string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return zerr.With(zerr.Wrap(err, "stat mount"), "path", path)
	}
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
	stFlags := uint64(st.Flags) //nolint:gosec // Flag bits
	for _, f := range []struct {
		st uint64
		ms uintptr
	}{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_RELATIME, unix.MS_RELATIME},
	} {
		if stFlags&f.st != 0 {
			flags |= f.ms
		}
	}
	if err := unix.Mount("", path, "", flags, ""); err != nil {
		return zerr.With(zerr.Wrap(err, "remount read-only"), "path", path)
	}
	return nil
}

// mountProc gives the PID namespace its own /proc. Hosts that mask parts
// of their /proc refuse a fresh instance; the program then runs without.
func mountProc(root string) {
	target := filepath.Join(root, "proc")
	if err := os.MkdirAll(target, domain.DirPerm); err != nil {
		return
	}
	_ = unix.Mount("proc", target, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")
}

// mountTmp mounts a private /tmp, as large as the file size limit allows.
func mountTmp(root string, fileSizeKiB uint64) error {
	target := filepath.Join(root, "tmp")
	if err := os.MkdirAll(target, domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "create mount point"), "path", target)
	}
	data := "mode=1777"
	if fileSizeKiB > 0 {
		data += fmt.Sprintf(",size=%dk", fileSizeKiB)
	}
	if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, data); err != nil {
		return zerr.With(zerr.Wrap(err, "mount tmp"), "path", target)
	}
	return nil
}

// bindSelf exposes the running binary at initPath for the exec stage.
func bindSelf(root string) error {
	self, err := os.Executable()
	if err != nil {
		return zerr.Wrap(err, "locate sandbox binary")
	}
	dst := filepath.Join(root, initPath)
	if err := mountPoint(dst, false); err != nil {
		return err
	}
	if err := unix.Mount(self, dst, "", unix.MS_BIND, ""); err != nil {
		return zerr.With(zerr.Wrap(err, "bind sandbox binary"), "path", self)
	}
	return remountReadOnly(dst)
}

// pivot makes root the filesystem root and detaches the host tree.
func pivot(root string) error {
	if err := unix.Chdir(root); err != nil {
		return zerr.With(zerr.Wrap(err, "enter root"), "path", root)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return zerr.Wrap(err, "pivot root")
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return zerr.Wrap(err, "detach host root")
	}
	if err := unix.Chdir("/"); err != nil {
		return zerr.Wrap(err, "enter root")
	}
	return nil
}

// within reports whether path is one of dirs or below one of them.
func within(path string, dirs []string) bool {
	for _, dir := range dirs {
		if path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/") {
			return true
		}
	}
	return false
}
