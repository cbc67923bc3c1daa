package script

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Canonical script types.
const (
	TypePowerShell = "powershell"
	TypeBash       = "bash"
	TypeBatch      = "batch"
	TypePython     = "python"
	TypeShell      = "shell"
	TypeWMI        = "wmi"
)

// Types lists every recognised type in display order.
var Types = []string{TypePowerShell, TypeBash, TypeBatch, TypePython, TypeShell, TypeWMI}

type invocation struct {
	path    string
	args    []string
	stdin   string
	cleanup func()
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch t {
	case "pwsh", "ps", "ps1":
		return TypePowerShell
	case "sh":
		return TypeBash
	case "cmd", "bat":
		return TypeBatch
	case "python3", "py":
		return TypePython
	}
	return t
}

func (s *Service) resolve(ctx context.Context, scriptType, content string) (invocation, error) {
	switch normalizeType(scriptType) {
	case TypePowerShell:
		return s.powershell(content)
	case TypeBash:
		return s.bash(content)
	case TypeBatch:
		return s.batch(content)
	case TypePython:
		return s.python(ctx, content)
	case TypeShell:
		if s.platform.GOOS() == "windows" {
			return s.batch(content)
		}
		return s.bash(content)
	case TypeWMI:
		if s.platform.GOOS() != "windows" {
			return invocation{}, fmt.Errorf("wmi scripts require Windows, agent is running on %s", s.platform.GOOS())
		}
		return s.powershell(wmiScript(content))
	default:
		return invocation{}, fmt.Errorf("%w: %s", ErrUnsupportedScriptType, scriptType)
	}
}

func (s *Service) powershell(content string) (invocation, error) {
	candidates := []string{"pwsh"}
	if s.platform.GOOS() == "windows" {
		candidates = []string{"powershell.exe", "pwsh.exe"}
	}
	path, ok := s.firstOnPath(candidates)
	if !ok {
		return invocation{}, fmt.Errorf("PowerShell is not available on %s", s.platform.GOOS())
	}
	return invocation{
		path:  path,
		args:  []string{"-NoProfile", "-NonInteractive", "-Command", "-"},
		stdin: content,
	}, nil
}

func (s *Service) bash(content string) (invocation, error) {
	if s.platform.GOOS() == "windows" {
		for _, candidate := range s.platform.BashPaths() {
			if s.platform.Exists(candidate) {
				return invocation{path: candidate, args: []string{"-s"}, stdin: content}, nil
			}
		}
		if path, ok := s.firstOnPath([]string{"bash.exe"}); ok {
			return invocation{path: path, args: []string{"-s"}, stdin: content}, nil
		}
		return invocation{}, fmt.Errorf("no bash installation found (checked Git Bash, MSYS2, Cygwin, WSL)")
	}
	path, ok := s.firstOnPath([]string{"bash", "sh"})
	if !ok {
		return invocation{}, fmt.Errorf("neither bash nor sh found on PATH")
	}
	return invocation{path: path, args: []string{"-s"}, stdin: content}, nil
}

func (s *Service) batch(content string) (invocation, error) {
	if s.platform.GOOS() != "windows" {
		return invocation{}, fmt.Errorf("batch scripts require Windows, agent is running on %s", s.platform.GOOS())
	}
	path, ok := s.firstOnPath([]string{"cmd.exe"})
	if !ok {
		return invocation{}, fmt.Errorf("cmd.exe not found")
	}
	f, err := os.CreateTemp(s.platform.TempDir(), "sentinel-*.bat")
	if err != nil {
		return invocation{}, fmt.Errorf("create batch file: %w", err)
	}
	name := f.Name()
	_, werr := f.WriteString(crlf(content))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(name)
		return invocation{}, fmt.Errorf("write batch file: %v %v", werr, cerr)
	}
	return invocation{
		path:    path,
		args:    []string{"/Q", "/C", name},
		cleanup: func() { _ = os.Remove(name) },
	}, nil
}

// crlf normalizes every line ending to CRLF; cmd.exe mis-seeks labels in
// LF-only files.
func crlf(content string) string {
	return strings.ReplaceAll(strings.ReplaceAll(content, "\r\n", "\n"), "\n", "\r\n")
}

func (s *Service) python(ctx context.Context, content string) (invocation, error) {
	candidates := []string{"python3", "python"}
	if s.platform.GOOS() == "windows" {
		candidates = append(candidates, "py")
	}
	for _, name := range candidates {
		path, err := s.platform.LookPath(name)
		if err != nil {
			continue
		}
		// Windows ships python.exe stubs that open the store instead of running.
		if !s.platform.Probe(ctx, path, "--version") {
			s.log.Debug().Str("candidate", path).Msg("python candidate rejected")
			continue
		}
		return invocation{path: path, args: []string{"-"}, stdin: content}, nil
	}
	return invocation{}, fmt.Errorf("no working python interpreter found (tried %s)", strings.Join(candidates, ", "))
}

func (s *Service) firstOnPath(names []string) (string, bool) {
	for _, name := range names {
		if path, err := s.platform.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}

// wmiScript wraps a WQL query in a PowerShell pipeline that emits JSON.
func wmiScript(query string) string {
	quoted := strings.ReplaceAll(strings.TrimSpace(query), "'", "''")
	return fmt.Sprintf("Get-CimInstance -Query '%s' | ConvertTo-Json -Depth 4", quoted)
}
