package mcp

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ashwinyue/kbhub/internal/config"
	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/ashwinyue/kbhub/internal/repository"
	"github.com/google/uuid"
)

// 崩溃自动重启预算：60 秒内最多 3 次
const (
	restartWindow = 60 * time.Second
	restartBudget = 3
)

// 默认单库服务器的命名后缀，该类服务器随知识库自动管理
const assignedSuffix = " - assigned"

// process 一个运行中的子进程
type process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
	exitErr  error
}

// Manager MCP 服务器监控器
// 为每条启用的记录维持一个子进程，端口在监控器内全局唯一
type Manager struct {
	cfg  *config.Config
	repo *repository.Repositories

	mu       sync.Mutex
	records  map[string]*model.MCPServerRecord
	procs    map[string]*process
	restarts map[string][]time.Time
	store    *recordStore
}

// NewManager 创建监控器并加载持久化记录
// 上一次进程的运行状态全部重置为 stopped，enabled 标志保留
func NewManager(cfg *config.Config, repo *repository.Repositories) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		repo:     repo,
		procs:    make(map[string]*process),
		restarts: make(map[string][]time.Time),
		store:    &recordStore{path: repo.Store.ToolServersPath()},
	}

	records, err := m.store.load()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		r.Status = model.MCPStatusStopped
	}
	m.records = records
	return m, nil
}

// List 列出全部服务器记录
func (m *Manager) List() []*model.MCPServerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]*model.MCPServerRecord, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		list = append(list, &cp)
	}
	return list
}

// Get 获取单条记录
func (m *Manager) Get(id string) (*model.MCPServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, model.NewError(model.ErrNotFound, "tool server not found")
	}
	cp := *r
	return &cp, nil
}

// CreateRequest 创建服务器请求
type CreateRequest struct {
	Kind          model.MCPServerKind
	Name          string
	Description   string
	Instructions  string
	KBIDs         []string
	Overrides     model.MCPToolOverrides
	RequestedPort int
}

// Create 创建服务器记录（默认 stopped）
func (m *Manager) Create(req CreateRequest) (*model.MCPServerRecord, error) {
	if req.Name == "" {
		return nil, model.NewError(model.ErrInvalidInput, "server name is required")
	}
	if len(req.KBIDs) == 0 {
		return nil, model.NewError(model.ErrInvalidInput, "at least one knowledge base is required")
	}
	if req.Kind == model.MCPServerSingleKB && len(req.KBIDs) != 1 {
		return nil, model.NewError(model.ErrInvalidInput, "single_kb server takes exactly one knowledge base")
	}
	for _, kbID := range req.KBIDs {
		if !m.repo.Store.Exists(kbID) {
			return nil, model.NewError(model.ErrNotFound,
				fmt.Sprintf("knowledge base %s not found", kbID))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	port, err := m.allocatePortLocked(req.RequestedPort)
	if err != nil {
		return nil, err
	}

	record := &model.MCPServerRecord{
		ID:               uuid.New().String(),
		Kind:             req.Kind,
		Name:             req.Name,
		Description:      req.Description,
		Instructions:     req.Instructions,
		KnowledgeBaseIDs: req.KBIDs,
		Port:             port,
		Enabled:          false,
		ToolOverrides:    req.Overrides,
		Status:           model.MCPStatusStopped,
		CreatedAt:        time.Now(),
	}
	m.records[record.ID] = record
	if err := m.store.save(m.records); err != nil {
		delete(m.records, record.ID)
		return nil, model.WrapError(model.ErrStorageFailed, "failed to persist tool servers", err)
	}

	cp := *record
	return &cp, nil
}

// Start 同步启动服务器
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	record, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return model.NewError(model.ErrNotFound, "tool server not found")
	}
	if _, running := m.procs[id]; running {
		m.mu.Unlock()
		return nil
	}
	record.Status = model.MCPStatusStarting
	record.LastError = ""
	m.store.save(m.records)
	snapshot := *record
	m.mu.Unlock()

	err := m.spawn(&snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok = m.records[id]
	if !ok {
		return model.NewError(model.ErrNotFound, "tool server removed during start")
	}
	if err != nil {
		record.Status = model.MCPStatusCrashed
		record.LastError = err.Error()
		record.Enabled = false
		m.store.save(m.records)
		return err
	}
	record.Status = model.MCPStatusRunning
	record.Enabled = true
	m.store.save(m.records)
	log.Printf("Started MCP server %s (%s) on port %d", record.Name, id, record.Port)
	return nil
}

// spawn 启动子进程并等待端口就绪
func (m *Manager) spawn(record *model.MCPServerRecord) error {
	binary := m.cfg.MCP.ServerBinary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return model.WrapError(model.ErrSubprocessFailed, "cannot locate server binary", err)
		}
		binary = filepath.Join(filepath.Dir(exe), "kbhub-mcp")
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return model.WrapError(model.ErrInternal, "failed to encode record", err)
	}

	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("KBHUB_MCP_RECORD=%s", recordJSON),
		fmt.Sprintf("KBHUB_MCP_PORT=%d", record.Port),
		fmt.Sprintf("KBHUB_BACKEND_URL=http://127.0.0.1:%d", m.cfg.Server.Port),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return model.WrapError(model.ErrSubprocessFailed, "failed to spawn tool server", err)
	}

	proc := &process{cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.procs[record.ID] = proc
	m.mu.Unlock()

	go m.monitor(record.ID, proc)

	// 等待子进程监听端口
	deadline := time.Now().Add(time.Duration(m.cfg.MCP.StartTimeout) * time.Second)
	addr := fmt.Sprintf("127.0.0.1:%d", record.Port)
	for time.Now().Before(deadline) {
		select {
		case <-proc.done:
			return model.NewError(model.ErrSubprocessFailed,
				fmt.Sprintf("tool server exited during startup: %v", proc.exitErr))
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	m.kill(record.ID, proc)
	return model.NewError(model.ErrTimeout,
		fmt.Sprintf("tool server did not become ready within %ds", m.cfg.MCP.StartTimeout))
}

// monitor 等待子进程退出并处理崩溃重启
func (m *Manager) monitor(id string, proc *process) {
	proc.exitErr = proc.cmd.Wait()
	close(proc.done)

	m.mu.Lock()
	if m.procs[id] == proc {
		delete(m.procs, id)
	}
	record, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	if proc.stopping {
		record.Status = model.MCPStatusStopped
		m.store.save(m.records)
		m.mu.Unlock()
		return
	}

	// 非请求的退出：零退出码按 stopped，非零按 crashed
	if proc.exitErr == nil {
		record.Status = model.MCPStatusStopped
		record.Enabled = false
		m.store.save(m.records)
		m.mu.Unlock()
		return
	}

	record.Status = model.MCPStatusCrashed
	record.LastError = proc.exitErr.Error()
	m.store.save(m.records)

	// 限额内自动重启
	now := time.Now()
	recent := m.restarts[id][:0]
	for _, t := range m.restarts[id] {
		if now.Sub(t) < restartWindow {
			recent = append(recent, t)
		}
	}
	m.restarts[id] = recent

	if len(recent) >= restartBudget {
		log.Printf("MCP server %s crashed, restart budget exhausted: %v", id, proc.exitErr)
		m.mu.Unlock()
		return
	}
	m.restarts[id] = append(m.restarts[id], now)
	m.mu.Unlock()

	log.Printf("MCP server %s crashed, restarting (%d/%d): %v", id, len(recent)+1, restartBudget, proc.exitErr)
	if err := m.Start(id); err != nil {
		log.Printf("MCP server %s restart failed: %v", id, err)
	}
}

// Stop 同步停止服务器
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	record, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return model.NewError(model.ErrNotFound, "tool server not found")
	}
	proc, running := m.procs[id]
	if !running {
		record.Status = model.MCPStatusStopped
		record.Enabled = false
		m.store.save(m.records)
		m.mu.Unlock()
		return nil
	}
	record.Status = model.MCPStatusStopping
	proc.stopping = true
	m.store.save(m.records)
	m.mu.Unlock()

	proc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-proc.done:
	case <-time.After(time.Duration(m.cfg.MCP.StopTimeout) * time.Second):
		m.kill(id, proc)
		<-proc.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[id]; ok {
		record.Status = model.MCPStatusStopped
		record.Enabled = false
		record.LastError = ""
		m.store.save(m.records)
	}
	log.Printf("Stopped MCP server %s", id)
	return nil
}

// kill 强杀子进程
func (m *Manager) kill(id string, proc *process) {
	m.mu.Lock()
	proc.stopping = true
	m.mu.Unlock()
	if proc.cmd.Process != nil {
		proc.cmd.Process.Kill()
	}
}

// UpdateRequest 更新服务器请求，nil 字段表示不变
type UpdateRequest struct {
	Name         *string
	Description  *string
	Instructions *string
	KBIDs        []string
	Overrides    *model.MCPToolOverrides
}

// Update 更新记录；影响对外服务的字段变更会原子重启运行中的服务器
func (m *Manager) Update(id string, req UpdateRequest) (*model.MCPServerRecord, error) {
	m.mu.Lock()
	record, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil, model.NewError(model.ErrNotFound, "tool server not found")
	}

	serving := false
	if req.Name != nil && *req.Name != record.Name {
		record.Name = *req.Name
		serving = true
	}
	if req.Description != nil {
		record.Description = *req.Description
	}
	if req.Instructions != nil && *req.Instructions != record.Instructions {
		record.Instructions = *req.Instructions
		serving = true
	}
	if req.KBIDs != nil {
		for _, kbID := range req.KBIDs {
			if !m.repo.Store.Exists(kbID) {
				m.mu.Unlock()
				return nil, model.NewError(model.ErrNotFound,
					fmt.Sprintf("knowledge base %s not found", kbID))
			}
		}
		record.KnowledgeBaseIDs = req.KBIDs
		serving = true
	}
	if req.Overrides != nil {
		record.ToolOverrides = *req.Overrides
		serving = true
	}

	if err := m.store.save(m.records); err != nil {
		m.mu.Unlock()
		return nil, model.WrapError(model.ErrStorageFailed, "failed to persist tool servers", err)
	}
	_, running := m.procs[id]
	cp := *record
	m.mu.Unlock()

	// 重启后客户端观察到短暂断连而不是陈旧元数据
	if serving && running {
		if err := m.restart(id); err != nil {
			return &cp, err
		}
	}
	return &cp, nil
}

// restart 停止后在原端口重新启动
func (m *Manager) restart(id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	return m.Start(id)
}

// Delete 删除服务器记录
// 默认分配的服务器由知识库生命周期管理，不允许直接删除
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	record, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return model.NewError(model.ErrNotFound, "tool server not found")
	}
	if isAssigned(record) {
		m.mu.Unlock()
		return model.NewError(model.ErrInvalidInput,
			"cannot delete default assigned server; it is removed with its knowledge base")
	}
	m.mu.Unlock()

	return m.deleteInternal(id)
}

// deleteInternal 绕过保护的删除（知识库级联用）
func (m *Manager) deleteInternal(id string) error {
	if err := m.Stop(id); err != nil && model.KindOf(err) != model.ErrNotFound {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	delete(m.restarts, id)
	return m.store.save(m.records)
}

func isAssigned(record *model.MCPServerRecord) bool {
	return len(record.Name) > len(assignedSuffix) &&
		record.Name[len(record.Name)-len(assignedSuffix):] == assignedSuffix
}

// StartupEnabled 启动时拉起所有启用的服务器
func (m *Manager) StartupEnabled() {
	m.mu.Lock()
	var ids []string
	for id, r := range m.records {
		if r.Enabled {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	started, failed := 0, 0
	for _, id := range ids {
		if err := m.Start(id); err != nil {
			log.Printf("Failed to start MCP server %s: %v", id, err)
			failed++
			continue
		}
		started++
	}
	if started+failed > 0 {
		log.Printf("MCP startup complete: %d started, %d failed", started, failed)
	}
}

// Shutdown 停止全部运行中的服务器
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var ids []string
	for id := range m.procs {
		ids = append(ids, id)
	}
	// 记录的 enabled 标志保留，下次启动时恢复
	m.mu.Unlock()

	for _, id := range ids {
		m.shutdownOne(id)
	}
}

// shutdownOne 停进程但保留 enabled 标志
func (m *Manager) shutdownOne(id string) {
	m.mu.Lock()
	proc, running := m.procs[id]
	if !running {
		m.mu.Unlock()
		return
	}
	proc.stopping = true
	if record, ok := m.records[id]; ok {
		record.Status = model.MCPStatusStopped
		m.store.save(m.records)
	}
	m.mu.Unlock()

	proc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-proc.done:
	case <-time.After(time.Duration(m.cfg.MCP.StopTimeout) * time.Second):
		m.kill(id, proc)
		<-proc.done
	}
}

// ========== 知识库生命周期事件 ==========

// OnKBCreated 为新知识库创建默认单库服务器
func (m *Manager) OnKBCreated(kb *model.KnowledgeBase) {
	_, err := m.Create(CreateRequest{
		Kind:         model.MCPServerSingleKB,
		Name:         kb.Name + assignedSuffix,
		Description:  fmt.Sprintf("Default tool server for knowledge base %q", kb.Name),
		Instructions: "",
		KBIDs:        []string{kb.ID},
	})
	if err != nil {
		log.Printf("Warning: failed to create default MCP server for kb %s: %v", kb.ID, err)
	}
}

// OnKBRenamed 更新默认服务器名称并重启受影响的运行中服务器
func (m *Manager) OnKBRenamed(kb *model.KnowledgeBase) {
	m.mu.Lock()
	var affected []string
	for id, record := range m.records {
		if !record.ServesKB(kb.ID) {
			continue
		}
		if isAssigned(record) && record.Kind == model.MCPServerSingleKB {
			record.Name = kb.Name + assignedSuffix
		}
		if _, running := m.procs[id]; running {
			affected = append(affected, id)
		}
	}
	m.store.save(m.records)
	m.mu.Unlock()

	for _, id := range affected {
		if err := m.restart(id); err != nil {
			log.Printf("Warning: failed to restart MCP server %s after rename: %v", id, err)
		}
	}
}

// OnKBDeleted 从所有服务器移除该库；KB 集为空的服务器一并删除
func (m *Manager) OnKBDeleted(kbID string) {
	m.mu.Lock()
	var toDelete, toRestart []string
	for id, record := range m.records {
		if !record.ServesKB(kbID) {
			continue
		}
		remaining := make([]string, 0, len(record.KnowledgeBaseIDs)-1)
		for _, other := range record.KnowledgeBaseIDs {
			if other != kbID {
				remaining = append(remaining, other)
			}
		}
		if len(remaining) == 0 {
			toDelete = append(toDelete, id)
			continue
		}
		record.KnowledgeBaseIDs = remaining
		if _, running := m.procs[id]; running {
			toRestart = append(toRestart, id)
		}
	}
	m.store.save(m.records)
	m.mu.Unlock()

	for _, id := range toDelete {
		if err := m.deleteInternal(id); err != nil {
			log.Printf("Warning: failed to delete MCP server %s: %v", id, err)
		}
	}
	for _, id := range toRestart {
		if err := m.restart(id); err != nil {
			log.Printf("Warning: failed to restart MCP server %s: %v", id, err)
		}
	}
}
