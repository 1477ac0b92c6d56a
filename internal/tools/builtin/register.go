package builtin

import (
	"github.com/aetherpro/fabric/internal/tools"
)

// Config carries the safety configuration shared by the builtin tools.
type Config struct {
	// AllowedPaths restricts io.* tools when non-empty.
	AllowedPaths []string
}

// All returns every builtin tool, ready to register with the host.
func All(cfg Config) []*tools.Tool {
	paths := tools.PathGuard{AllowedRoots: cfg.AllowedPaths}
	return []*tools.Tool{
		ioTool(paths),
		webTool(),
		mathTool(),
		textTool(),
		systemTool(),
		dataTool(),
		securityTool(),
		encodeTool(),
		docsTool(),
	}
}
