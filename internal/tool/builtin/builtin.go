package builtin

import "seed/internal/tool"

// All returns the stock tool set in registration order.
func All() []tool.Tool {
	return []tool.Tool{
		NewReadFile(),
		NewListDir(),
		NewWriteFile(),
		NewRunShell(),
	}
}
