//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// childEnvVar marks a process as the re-exec'd sandbox child: once
// inside the new namespaces created by Cloneflags, the child performs
// its own bind mounts (a mount namespace set up by the parent's
// SysProcAttr only takes effect for the child itself) before execve'ing
// the real command. This mirrors the teacher's own
// `unshare --user --map-root-user --mount -- $0 build -job=...`
// self-reexec pattern, generalized and reimplemented in pure Go instead
// of shelling out to the unshare(1) binary.
const childEnvVar = "BUILDER_SANDBOX_CHILD"
const childSpecVar = "BUILDER_SANDBOX_SPEC_FD"

type linux struct{}

// linuxStrategy is always offered on Linux; unprivileged user
// namespaces may still be disabled via sysctl, in which case Run
// surfaces the kernel's EPERM wrapped with a remediation hint.
func linuxStrategy() Strategy {
	return linux{}
}

func (linux) Name() string { return "linux-namespaces" }

func (linux) Run(ctx context.Context, spec *Spec, workDir string) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, errNoArgv
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}

	cmd := exec.CommandContext(ctx, self, append([]string{"__sandbox_child__"}, spec.Argv...)...)
	cmd.Dir = workDir
	cmd.Env = append(envSlice(spec),
		childEnvVar+"=1",
	)
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
			unix.CLONE_NEWIPC | unix.CLONE_NEWUTS | newNetFlag(spec.Network),
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}

	var stdout, stderr buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	specFile, err := writeSpecFile(spec, workDir)
	if err != nil {
		return nil, err
	}
	defer os.Remove(specFile)
	cmd.Env = append(cmd.Env, "BUILDER_SANDBOX_SPEC_FILE="+specFile)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start: %w (try: sysctl -w kernel.unprivileged_userns_clone=1)", err)
	}
	w.Close()

	mon := NewResourceMonitor(cmd.Process.Pid, spec.Limits)
	runErr := cmd.Wait()
	metrics := mon.Stop()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox: %w", runErr)
		}
	}

	return &Result{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Metrics: metrics}, nil
}

func newNetFlag(p NetworkPolicy) int {
	if p == NetworkAllowed {
		return 0 // share the host's net namespace
	}
	return unix.CLONE_NEWNET
}

// writeSpecFile serializes the allowed input/output paths so the
// re-exec'd child (which runs before any application code can see the
// original Spec value) knows what to bind-mount.
func writeSpecFile(spec *Spec, workDir string) (string, error) {
	f, err := os.CreateTemp(workDir, "sandbox-spec-*")
	if err != nil {
		return "", err
	}
	defer f.Close()

	inputs := make([]string, 0, len(spec.Inputs))
	for p := range spec.Inputs {
		inputs = append(inputs, p)
	}
	outputs := make([]string, 0, len(spec.Outputs))
	for p := range spec.Outputs {
		outputs = append(outputs, p)
	}
	sort.Strings(inputs)
	sort.Strings(outputs)

	fmt.Fprintf(f, "inputs=%s\n", strings.Join(inputs, ":"))
	fmt.Fprintf(f, "outputs=%s\n", strings.Join(outputs, ":"))
	fmt.Fprintf(f, "temps=%s\n", strings.Join(spec.TempDirs, ":"))
	return f.Name(), nil
}

// RunSandboxChild is invoked by main() when os.Args[1] ==
// "__sandbox_child__": it is now running inside the fresh mount/PID/IPC/
// UTS/(optionally net) namespaces created by the parent's Cloneflags,
// with uid 0 mapped to the invoking user. It bind-mounts every declared
// input read-only, creates the parent directory of every declared
// output, mounts tmpfs over each declared temp dir, then execve's the
// real command argv (os.Args[2:]). Outputs are written straight to
// their host paths; no tmpfs is mounted for them.
func RunSandboxChild() error {
	specPath := os.Getenv("BUILDER_SANDBOX_SPEC_FILE")
	inputs, outputs, temps, err := readSpecFile(specPath)
	if err != nil {
		return err
	}

	for _, in := range inputs {
		if err := bindMountReadOnly(in); err != nil {
			return fmt.Errorf("bind mount input %s: %w", in, err)
		}
	}
	for _, out := range outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
	}
	for _, tmp := range temps {
		if err := os.MkdirAll(tmp, 0o755); err != nil {
			return err
		}
		if err := unix.Mount("tmpfs", tmp, "tmpfs", 0, ""); err != nil {
			return fmt.Errorf("mount tmpfs %s: %w", tmp, err)
		}
	}

	argv := os.Args[2:]
	if len(argv) == 0 {
		return fmt.Errorf("sandbox child: empty argv")
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	return syscall.Exec(bin, argv, os.Environ())
}

func bindMountReadOnly(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	}
	if err := unix.Mount(path, path, "", unix.MS_BIND, ""); err != nil {
		return err
	}
	return unix.Mount("", path, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, "")
}

func readSpecFile(path string) (inputs, outputs, temps []string, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	fields := map[string][]string{}
	for _, line := range strings.Split(string(b), "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if parts[1] == "" {
			fields[parts[0]] = nil
			continue
		}
		fields[parts[0]] = strings.Split(parts[1], ":")
	}
	return fields["inputs"], fields["outputs"], fields["temps"], nil
}
