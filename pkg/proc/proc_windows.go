//go:build windows

package proc

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// hideWindow stops console children from flashing a window on spawn.
func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

func alive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}

	const stillActive = 259
	return code == stillActive
}

// terminate asks the process to close via taskkill, which posts WM_CLOSE to
// windowed targets; console-only targets that ignore it are force-killed by
// the caller after the grace period.
func terminate(pid int) error {
	cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid))
	hideWindow(cmd)
	if err := cmd.Run(); err != nil {
		process, findErr := os.FindProcess(pid)
		if findErr != nil {
			return findErr
		}

		return process.Kill()
	}

	return nil
}

func findByImageName(image string) (int, bool) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, false
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	if err := windows.Process32First(snapshot, &entry); err != nil {
		return 0, false
	}

	target := strings.ToLower(image)
	for {
		name := strings.ToLower(windows.UTF16ToString(entry.ExeFile[:]))
		if name == target || name == target+".exe" {
			return int(entry.ProcessID), true
		}

		if err := windows.Process32Next(snapshot, &entry); err != nil {
			return 0, false
		}
	}
}
