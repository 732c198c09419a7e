package session

import (
	"os"
	"path/filepath"
	"strings"

	ps "github.com/mitchellh/go-ps"

	"github.com/maestrod/maestro/pkg/types"
)

// Parent executables that identify a launch environment. Names are
// compared lowercased with any .exe suffix stripped.
var (
	terminalParents = map[string]struct{}{
		"bash": {}, "zsh": {}, "sh": {}, "fish": {}, "dash": {}, "ksh": {}, "tcsh": {},
		"tmux": {}, "screen": {}, "sshd": {}, "ssh": {},
		"gnome-terminal": {}, "gnome-terminal-server": {}, "konsole": {}, "xterm": {},
		"alacritty": {}, "kitty": {}, "wezterm": {}, "wezterm-gui": {}, "foot": {},
		"terminal": {}, "iterm2": {}, "windowsterminal": {},
	}
	editorParents = map[string]struct{}{
		"code": {}, "code-insiders": {}, "codium": {}, "cursor": {}, "zed": {},
		"vim": {}, "nvim": {}, "emacs": {}, "subl": {}, "sublime_text": {},
		"idea": {}, "goland": {}, "pycharm": {}, "clion": {}, "webstorm": {},
	}
	guiParents = map[string]struct{}{
		"maestro-gui": {}, "gnome-shell": {}, "plasmashell": {}, "kwin_wayland": {},
		"finder": {}, "launchd": {}, "explorer": {}, "nautilus": {}, "dolphin": {},
		"xdg-open": {}, "gio": {},
	}
)

// Env vars captured as session hints. Credential-like variables are
// deliberately absent: nothing outside this list is read into a record.
var hintVars = []string{
	"MAESTRO_SESSION",
	"TERM",
	"TERM_PROGRAM",
	"TERMINAL_EMULATOR",
	"SSH_TTY",
	"SSH_CONNECTION",
	"DISPLAY",
	"WAYLAND_DISPLAY",
	"XDG_SESSION_TYPE",
	"VSCODE_PID",
}

const maxParentDepth = 10

// Detector classifies the calling process into a session type. The
// probe fields default to the real OS and exist so tests can script
// arbitrary launch environments.
type Detector struct {
	PID         int
	FindProcess func(pid int) (ps.Process, error)
	Getenv      func(key string) string
	WorkingDir  string
	Argv0       string
}

func NewDetector() *Detector {
	wd, _ := os.Getwd()
	argv0 := ""
	if len(os.Args) > 0 {
		argv0 = os.Args[0]
	}
	return &Detector{
		PID:         os.Getpid(),
		FindProcess: ps.FindProcess,
		Getenv:      os.Getenv,
		WorkingDir:  wd,
		Argv0:       argv0,
	}
}

// Detect inspects, in order: the parent process chain, environment
// hints, the working directory, and argv[0]. The first inspection that
// produces a classification wins; if none do the session is unknown.
func (d *Detector) Detect() (types.SessionType, map[string]string) {
	hints := d.collectHints()

	chain := d.parentChain()
	if len(chain) > 0 {
		hints["parent_chain"] = strings.Join(chain, ">")
	}
	for _, name := range chain {
		if t, ok := classifyExecutable(name); ok {
			return t, hints
		}
	}

	if t, ok := d.classifyEnv(); ok {
		return t, hints
	}
	if t, ok := classifyWorkingDir(d.WorkingDir); ok {
		return t, hints
	}
	if t, ok := classifyArgv(d.Argv0); ok {
		return t, hints
	}
	return types.SessionUnknown, hints
}

// parentChain walks PPid links upward, nearest parent first. The walk
// is best-effort: a missing process ends it silently.
func (d *Detector) parentChain() []string {
	var chain []string
	pid := d.PID
	for depth := 0; depth < maxParentDepth; depth++ {
		proc, err := d.FindProcess(pid)
		if err != nil || proc == nil {
			break
		}
		ppid := proc.PPid()
		if ppid <= 0 || ppid == pid {
			break
		}
		parent, err := d.FindProcess(ppid)
		if err != nil || parent == nil {
			break
		}
		chain = append(chain, parent.Executable())
		pid = ppid
	}
	return chain
}

func (d *Detector) collectHints() map[string]string {
	hints := make(map[string]string)
	for _, key := range hintVars {
		if v := d.Getenv(key); v != "" {
			hints[key] = v
		}
	}
	return hints
}

func classifyExecutable(name string) (types.SessionType, bool) {
	n := strings.ToLower(strings.TrimSuffix(filepath.Base(name), ".exe"))
	if _, ok := terminalParents[n]; ok {
		return types.SessionTerminal, true
	}
	if _, ok := editorParents[n]; ok {
		return types.SessionEditorAgent, true
	}
	if _, ok := guiParents[n]; ok {
		return types.SessionGUIWorkflow, true
	}
	return types.SessionUnknown, false
}

func (d *Detector) classifyEnv() (types.SessionType, bool) {
	// explicit override first
	switch types.SessionType(d.Getenv("MAESTRO_SESSION")) {
	case types.SessionTerminal:
		return types.SessionTerminal, true
	case types.SessionGUIWorkflow:
		return types.SessionGUIWorkflow, true
	case types.SessionEditorAgent:
		return types.SessionEditorAgent, true
	case types.SessionManualScript:
		return types.SessionManualScript, true
	}

	if d.Getenv("VSCODE_PID") != "" || strings.EqualFold(d.Getenv("TERM_PROGRAM"), "vscode") {
		return types.SessionEditorAgent, true
	}
	if strings.Contains(strings.ToLower(d.Getenv("TERMINAL_EMULATOR")), "jetbrains") {
		return types.SessionEditorAgent, true
	}
	if d.Getenv("SSH_TTY") != "" || d.Getenv("SSH_CONNECTION") != "" {
		return types.SessionTerminal, true
	}

	// a display without a usable TERM means a desktop launcher
	term := d.Getenv("TERM")
	if (d.Getenv("DISPLAY") != "" || d.Getenv("WAYLAND_DISPLAY") != "") &&
		(term == "" || term == "dumb") {
		return types.SessionGUIWorkflow, true
	}
	return types.SessionUnknown, false
}

func classifyWorkingDir(wd string) (types.SessionType, bool) {
	base := strings.ToLower(filepath.Base(wd))
	if base == "scripts" || base == "cron" {
		return types.SessionManualScript, true
	}
	return types.SessionUnknown, false
}

func classifyArgv(argv0 string) (types.SessionType, bool) {
	base := strings.ToLower(filepath.Base(argv0))
	switch {
	case strings.HasSuffix(base, ".py"), strings.HasSuffix(base, ".sh"), strings.HasSuffix(base, ".bash"):
		return types.SessionManualScript, true
	case strings.Contains(base, "script"):
		return types.SessionManualScript, true
	case strings.Contains(base, "gui"):
		return types.SessionGUIWorkflow, true
	}
	return types.SessionUnknown, false
}
