package frontend

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// OpenBrowser opens url in the user's browser. $BROWSER wins over the
// platform default. Callers print the URL when it fails.
func OpenBrowser(url string) error {
	name, args, err := browserCommand(runtime.GOOS, os.Getenv("BROWSER"), url)
	if err != nil {
		return err
	}
	return exec.Command(name, args...).Start() //nolint:gosec // BROWSER is user-controlled
}

func browserCommand(goos, browser, url string) (string, []string, error) {
	if browser != "" {
		return browser, []string{url}, nil
	}
	switch goos {
	case "darwin":
		return "open", []string{url}, nil
	case "linux", "freebsd", "openbsd":
		return "xdg-open", []string{url}, nil
	case "windows":
		return "cmd", []string{"/c", "start", url}, nil
	default:
		return "", nil, fmt.Errorf("unsupported platform: %s", goos)
	}
}
