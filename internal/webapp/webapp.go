// Package webapp serves the embedded single page web application.
package webapp

import (
	"bytes"
	"embed"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed dist
var dist embed.FS

// bridgeScript is injected into index.html right after <head>. When the app
// runs inside another page's iframe it has no desktop shell, so download
// commands are forwarded to the hosting page instead.
const bridgeScript = `<script>
(function () {
    if (window.parent === window) {
        return;
    }
    window.__TAURI__ = window.__TAURI__ || {};
    window.__TAURI__.core = window.__TAURI__.core || {};
    window.__TAURI__.core.invoke = function (cmd, args) {
        if (cmd === 'download_file') {
            window.parent.postMessage({
                type: 'download_request',
                url: args.url,
                fileName: args.fileName
            }, '*');
            return Promise.resolve();
        }
        return Promise.reject('Command not implemented: ' + cmd);
    };
    window.__TAURI__.invoke = window.__TAURI__.core.invoke;
    window.__TAURI_INTERNALS__ = { postMessage: function () {} };
})();
</script>`

// Handler serves the bundled assets with single page fallback.
type Handler struct {
	assets fs.FS
}

// New returns a handler over the embedded bundle.
func New() (*Handler, error) {
	sub, err := fs.Sub(dist, "dist")
	if err != nil {
		return nil, err
	}
	return &Handler{assets: sub}, nil
}

// Register binds the catch-all asset route.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/*", h.handleAsset)
}

func (h *Handler) handleAsset(c echo.Context) error {
	name := strings.TrimPrefix(c.Request().URL.Path, "/")
	if name == "" {
		name = "index.html"
	}

	data, err := fs.ReadFile(h.assets, name)
	if err != nil {
		// Unknown paths get the shell so client side routes survive a
		// hard refresh.
		name = "index.html"
		if data, err = fs.ReadFile(h.assets, name); err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
	}

	if name == "index.html" {
		data = injectBridge(data)
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func injectBridge(html []byte) []byte {
	i := bytes.Index(html, []byte("<head>"))
	if i < 0 {
		return html
	}
	at := i + len("<head>")

	out := make([]byte, 0, len(html)+len(bridgeScript))
	out = append(out, html[:at]...)
	out = append(out, bridgeScript...)
	out = append(out, html[at:]...)
	return out
}
