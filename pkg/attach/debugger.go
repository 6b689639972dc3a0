package attach

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Profile describes one debugger front-end behind a common shape: a batch
// invocation driven by a script file, and a quick inline fallback used
// when the scripted attach stalls. Argv entries and the script may use
// the {pid} and {script} placeholders.
type Profile struct {
	Name      string   `toml:"name"`
	Command   string   `toml:"command"`
	Argv      []string `toml:"argv"`
	QuickArgv []string `toml:"quick_argv"`
	Script    string   `toml:"script"`
}

// profilesFile is the TOML document shape for user-supplied profiles.
type profilesFile struct {
	Debugger []Profile `toml:"debugger"`
}

var gdbProfile = Profile{
	Name:    "gdb",
	Command: "gdb",
	Argv:    []string{"--batch", "-x", "{script}"},
	QuickArgv: []string{
		"--batch",
		"-ex", "attach {pid}",
		"-ex", "info threads",
		"-ex", "thread apply all bt",
		"-ex", "detach",
		"-ex", "quit",
	},
	Script: `attach {pid}
set confirm off
echo \n=== threads ===\n
info threads
echo \n=== backtraces ===\n
thread apply all bt
echo \n=== registers ===\n
info registers
echo \n=== disassembly ===\n
disassemble $pc
detach
quit
`,
}

var lldbProfile = Profile{
	Name:    "lldb",
	Command: "lldb",
	Argv:    []string{"--batch", "-s", "{script}"},
	QuickArgv: []string{
		"--batch",
		"-p", "{pid}",
		"-o", "bt all",
		"-o", "detach",
	},
	Script: `process attach --pid {pid}
process handle SIGTRAP --stop true --pass false
breakpoint set --name raise --name kill --name pthread_kill --name abort
thread list
bt all
register read
detach
quit
`,
}

// BuiltinProfiles returns the bundled debugger profiles: gdb first, lldb
// second.
func BuiltinProfiles() []Profile {
	return []Profile{gdbProfile, lldbProfile}
}

// LoadProfiles merges TOML-defined profiles from path over the builtins.
// A profile with a builtin's name replaces it; new names are appended.
// An empty path returns just the builtins.
func LoadProfiles(path string) ([]Profile, error) {
	profiles := BuiltinProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // explicit user-supplied profile path
	if err != nil {
		return nil, fmt.Errorf("read debugger profiles %s: %w", path, err)
	}
	var f profilesFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse debugger profiles %s: %w", path, err)
	}

	for _, extra := range f.Debugger {
		if extra.Name == "" || extra.Command == "" {
			return nil, fmt.Errorf("debugger profile in %s needs both name and command", path)
		}
		replaced := false
		for i, p := range profiles {
			if p.Name == extra.Name {
				profiles[i] = extra
				replaced = true
				break
			}
		}
		if !replaced {
			profiles = append(profiles, extra)
		}
	}
	return profiles, nil
}

// FindProfile selects a profile by name.
func FindProfile(profiles []Profile, name string) (Profile, error) {
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	return Profile{}, fmt.Errorf("unknown debugger %q (available: %s)", name, strings.Join(names, ", "))
}

// expandPlaceholders substitutes {pid} and {script} in s.
func expandPlaceholders(s string, pid int, scriptPath string) string {
	s = strings.ReplaceAll(s, "{pid}", strconv.Itoa(pid))
	s = strings.ReplaceAll(s, "{script}", scriptPath)
	return s
}

// expandArgv substitutes placeholders across an argv template.
func expandArgv(argv []string, pid int, scriptPath string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = expandPlaceholders(a, pid, scriptPath)
	}
	return out
}
