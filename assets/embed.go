package assets

import (
	"embed"
	"io/fs"
)

//go:embed static
var static embed.FS

// Static 前端页面
func Static() fs.FS {
	sub, err := fs.Sub(static, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
