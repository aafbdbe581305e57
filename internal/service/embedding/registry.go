package embedding

import (
	"fmt"

	"github.com/ashwinyue/kbhub/internal/model"
)

// Registry 按模型 id 查找向量化服务
// 进程内单例：配置的默认模型 + 始终可用的内置 local 模型
type Registry struct {
	providers map[string]*Provider
	defaultID string
}

// NewRegistry 创建注册表，第一个为默认模型
func NewRegistry(defaultProvider *Provider, extras ...*Provider) *Registry {
	r := &Registry{
		providers: make(map[string]*Provider),
		defaultID: defaultProvider.ModelID(),
	}
	r.providers[defaultProvider.ModelID()] = defaultProvider
	for _, p := range extras {
		if _, ok := r.providers[p.ModelID()]; !ok {
			r.providers[p.ModelID()] = p
		}
	}
	return r
}

// Default 默认模型
func (r *Registry) Default() *Provider {
	return r.providers[r.defaultID]
}

// ForModel 按模型 id 获取向量化服务
func (r *Registry) ForModel(modelID string) (*Provider, error) {
	if p, ok := r.providers[modelID]; ok {
		return p, nil
	}
	return nil, model.NewError(model.ErrInvalidInput,
		fmt.Sprintf("embedding model %q is not configured", modelID))
}

// Models 已注册的模型 id
func (r *Registry) Models() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
