package main

import (
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/pkg/browser"
)

// browserOpenDelay gives the HTTP listener a moment to come up before the
// browser fires its first request.
const browserOpenDelay = 500 * time.Millisecond

// isDesktopEnvironment reports whether a browser is likely to be present.
// On Linux that means a display server; Windows and macOS always have one.
func isDesktopEnvironment() bool {
	if _, ok := os.LookupEnv("DISPLAY"); ok {
		return true
	}
	if _, ok := os.LookupEnv("WAYLAND_DISPLAY"); ok {
		return true
	}
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// openBrowserLater opens url in the default browser after a short delay.
// Failure is logged and otherwise ignored; the server keeps running.
func openBrowserLater(url string) {
	go func() {
		time.Sleep(browserOpenDelay)
		if err := browser.OpenURL(url); err != nil {
			slog.Warn("could not open browser", "url", url, "err", err)
		}
	}()
}
