package app

import (
	"log/slog"
	"mime"
)

// staticTypes covers containers that ship without /etc/mime.types.
var staticTypes = map[string]string{
	".css": "text/css; charset=utf-8",
	".js":  "text/javascript; charset=utf-8",
	".svg": "image/svg+xml",
}

func init() {
	for ext, typ := range staticTypes {
		ensureMimeType(ext, typ)
	}
}

func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		slog.Warn("app: register MIME type", slog.String("ext", ext), slog.Any("error", err))
	}
}
