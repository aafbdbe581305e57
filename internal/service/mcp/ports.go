package mcp

import (
	"fmt"
	"net"

	"github.com/ashwinyue/kbhub/internal/model"
)

// portFree 探测端口可用性：尝试监听后立刻释放
// 真正绑定端口的是子进程
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// allocatePortLocked 在 [start, max] 内分配端口（调用方持有 m.mu）
// 已分配给其他记录的端口不复用；requested > 0 时只接受该端口
func (m *Manager) allocatePortLocked(requested int) (int, error) {
	used := make(map[int]bool, len(m.records))
	for _, r := range m.records {
		used[r.Port] = true
	}

	start, max := m.cfg.MCP.StartPort, m.cfg.MCP.MaxPort

	if requested > 0 {
		if requested < start || requested > max {
			return 0, model.NewError(model.ErrInvalidInput,
				fmt.Sprintf("port %d outside range [%d, %d]", requested, start, max))
		}
		if used[requested] || !portFree(requested) {
			return 0, model.NewError(model.ErrPortUnavailable,
				fmt.Sprintf("port %d is not available", requested))
		}
		return requested, nil
	}

	for port := start; port <= max; port++ {
		if used[port] {
			continue
		}
		if portFree(port) {
			return port, nil
		}
	}
	return 0, model.NewError(model.ErrPortUnavailable,
		fmt.Sprintf("no_ports_available in range [%d, %d]", start, max))
}
