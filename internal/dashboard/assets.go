package dashboard

import (
	"embed"
	"io/fs"
)

//go:embed assets
var assetsFS embed.FS

// PluginAssets returns the files served under /plugins/.
func PluginAssets() fs.FS {
	sub, _ := fs.Sub(assetsFS, "assets/plugins")
	return sub
}

func staticAssets() fs.FS {
	sub, _ := fs.Sub(assetsFS, "assets/static")
	return sub
}
