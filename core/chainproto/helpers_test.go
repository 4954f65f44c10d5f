package chainproto

import "github.com/mcp-zero/mcpzero/core/memtrace"

func newTestStore() *memtrace.Store {
	return memtrace.New(nil, true)
}
