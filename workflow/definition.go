package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// StateConfig 状态定义
type StateConfig struct {
	Name string `json:"name" validate:"required"`
	// IsFinal 终态标记,迁移进终态后实例状态转为completed(IsFailure时为failed),不再接收普通事件
	IsFinal   bool `json:"is_final"`
	IsFailure bool `json:"is_failure"`
}

// TransitionConfig 迁移规则定义, (from,event)->to
type TransitionConfig struct {
	From  string `json:"from" validate:"required"`
	Event string `json:"event" validate:"required"`
	To    string `json:"to" validate:"required"`
	// SideEffects 迁移触发的副作用意图名称,目前支持entity/notification,引擎只返回意图不执行
	SideEffects []string `json:"side_effects"`
}

// DefinitionConfig 工作流定义的JSON配置,一次编辑产生一个新版本,已有版本不可变
type DefinitionConfig struct {
	ID           string              `json:"id" validate:"required"`      // 逻辑ID,同一逻辑ID下版本单调递增
	Version      int64               `json:"version" validate:"gt=0"`     // 版本号
	Name         string              `json:"name"`                        // 定义名称
	InitialState string              `json:"initial_state" validate:"required"`
	States       []*StateConfig      `json:"states" validate:"required,min=1"`
	Transitions  []*TransitionConfig `json:"transitions"`
}

type transitionKey struct {
	State string
	Event string
}

// WorkflowDefinition 编译后的工作流定义
// 状态集合+以(state,event)为key的迁移表,方便做穷举检查,编译后只读
type WorkflowDefinition struct {
	ID           string
	Version      int64
	Name         string
	InitialState string
	states       map[string]*StateConfig
	transitions  map[transitionKey]*TransitionConfig
}

// HasState 状态名是否在定义的状态集合里
func (d *WorkflowDefinition) HasState(name string) bool {
	_, ok := d.states[name]
	return ok
}

// IsFinalState 状态是否是终态
func (d *WorkflowDefinition) IsFinalState(name string) bool {
	state, ok := d.states[name]
	return ok && state.IsFinal
}

// IsFailureState 状态是否是失败终态
func (d *WorkflowDefinition) IsFailureState(name string) bool {
	state, ok := d.states[name]
	return ok && state.IsFinal && state.IsFailure
}

// FindTransition 查找(state,event)对应的迁移规则
func (d *WorkflowDefinition) FindTransition(state string, event string) (*TransitionConfig, bool) {
	tr, ok := d.transitions[transitionKey{State: state, Event: event}]
	return tr, ok
}

// StateNames 返回定义声明的全部状态名
func (d *WorkflowDefinition) StateNames() []string {
	names := make([]string, 0, len(d.states))
	for name := range d.states {
		names = append(names, name)
	}
	return names
}

// CompileDefinitionConfig 把JSON配置编译成可执行的定义
// 编译时做静态检查: 初始状态已声明,迁移两端的状态已声明,(from,event)不重复
func CompileDefinitionConfig(config *DefinitionConfig) (*WorkflowDefinition, error) {
	if config == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "definition config invalid, id: %s, err: %v", config.ID, err)
	}
	states := make(map[string]*StateConfig, len(config.States))
	for _, state := range config.States {
		if _, ok := states[state.Name]; ok {
			return nil, errors.Wrapf(ErrWorkflowParamInvalid, "duplicate state: %s, definition: %s", state.Name, config.ID)
		}
		states[state.Name] = state
	}
	if _, ok := states[config.InitialState]; !ok {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "initial state %s is not declared, definition: %s", config.InitialState, config.ID)
	}
	transitions := make(map[transitionKey]*TransitionConfig, len(config.Transitions))
	for _, tr := range config.Transitions {
		if _, ok := states[tr.From]; !ok {
			return nil, errors.Wrapf(ErrWorkflowParamInvalid, "transition from undeclared state: %s, definition: %s", tr.From, config.ID)
		}
		if _, ok := states[tr.To]; !ok {
			return nil, errors.Wrapf(ErrWorkflowParamInvalid, "transition to undeclared state: %s, definition: %s", tr.To, config.ID)
		}
		key := transitionKey{State: tr.From, Event: tr.Event}
		if _, ok := transitions[key]; ok {
			return nil, errors.Wrapf(ErrWorkflowParamInvalid, "duplicate transition (%s, %s), definition: %s", tr.From, tr.Event, config.ID)
		}
		transitions[key] = tr
	}
	return &WorkflowDefinition{
		ID:           config.ID,
		Version:      config.Version,
		Name:         config.Name,
		InitialState: config.InitialState,
		states:       states,
		transitions:  transitions,
	}, nil
}

// definitionStore 定义存储的读路径,定义的创作是外部系统的事情,这里只读
// 定义一旦入库不可变,所以按 逻辑ID:版本 做进程内缓存
// "最新版本"会随新版本入库变化,不走缓存,每次查库
type definitionStore struct {
	repo  WorkflowRepo
	cache sync.Map // "logicalID:version" -> *WorkflowDefinition
}

func newDefinitionStore(repo WorkflowRepo) *definitionStore {
	return &definitionStore{repo: repo}
}

func definitionCacheKey(logicalID string, version int64) string {
	return fmt.Sprintf("%s:%d", logicalID, version)
}

// GetByIDVersion 按逻辑ID和版本号取定义,不存在返回ErrWorkflowDefinitionNotFound
// 调用方不允许把查不到降级成空定义
func (s *definitionStore) GetByIDVersion(ctx context.Context, logicalID string, version int64) (*WorkflowDefinition, error) {
	if cached, ok := s.cache.Load(definitionCacheKey(logicalID, version)); ok {
		definition, ok := cached.(*WorkflowDefinition)
		if ok {
			return definition, nil
		}
	}
	pos, err := s.repo.QueryWorkflowDefinition(ctx, &QueryWorkflowDefinitionParams{
		LogicalID: &logicalID,
		Version:   &version,
		StatusIn:  []string{WorkflowDefinitionStatusActive},
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowDefinition failed, logicalID: %s, version: %d", logicalID, version)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionNotFound, "logicalID: %s, version: %d", logicalID, version)
	}
	definition, err := s.compilePo(pos[0])
	if err != nil {
		return nil, err
	}
	s.cache.Store(definitionCacheKey(logicalID, version), definition)
	return definition, nil
}

// GetLatest 取逻辑ID下未删除的最大版本
func (s *definitionStore) GetLatest(ctx context.Context, logicalID string) (*WorkflowDefinition, error) {
	pos, err := s.repo.QueryWorkflowDefinition(ctx, &QueryWorkflowDefinitionParams{
		LogicalID:           &logicalID,
		StatusIn:            []string{WorkflowDefinitionStatusActive},
		OrderbyVersionAsc:   Bool(false),
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowDefinition failed, logicalID: %s", logicalID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionNotFound, "logicalID: %s", logicalID)
	}
	definition, err := s.compilePo(pos[0])
	if err != nil {
		return nil, err
	}
	s.cache.Store(definitionCacheKey(definition.ID, definition.Version), definition)
	return definition, nil
}

func (s *definitionStore) compilePo(po *WorkflowDefinitionPo) (*WorkflowDefinition, error) {
	config := &DefinitionConfig{}
	if err := json.Unmarshal(po.Definition, config); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "unmarshal definition failed, logicalID: %s, version: %d, err: %v", po.LogicalID, po.Version, err)
	}
	// 以数据库行为准,JSON里的id/version可能是旧拷贝
	config.ID = po.LogicalID
	config.Version = po.Version
	definition, err := CompileDefinitionConfig(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "CompileDefinitionConfig failed, logicalID: %s, version: %d", po.LogicalID, po.Version)
	}
	return definition, nil
}
