package workflow

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WorkflowInstance 工作流实例entity
// 创建时绑定一个定义版本,之后定义的编辑不影响已经在跑的实例
type WorkflowInstance struct {
	ID                string
	DefinitionID      string
	DefinitionVersion int64
	ProjectID         string
	State             string
	Status            WorkflowInstanceStatus
	Context           *JSONContext
	CreatedAt         int64
	UpdatedAt         int64
}

// WorkflowEvent 事件,不落库,应用完就丢弃
type WorkflowEvent struct {
	Name    string
	Payload map[string]any
}

// SideEffect 副作用意图,由Apply返回给调用方执行,引擎自己不执行
type SideEffect struct {
	Kind    SideEffectKind
	Payload map[string]any
}

// ContextPatch 局部上下文补丁,hook归一化层的产物
type ContextPatch struct {
	Patch            map[string]any
	ArrayMergeOption ArrayMergeOption
	DestinationPath  []string
}

// ApplyWorkflowEvent 状态机核心,纯函数
// 在definition下对instance应用event,返回新实例和副作用意图,不碰存储
// 入参instance不会被修改,出错时调用方手里的实例保持原样
//
// 两类事件:
//   - 内置深合并事件(BuiltInEventDeepMergeContext): 任何状态下都合法,只按payload里的
//     策略和目标路径合并上下文,不改状态
//   - 普通命名事件: 查(state,event)迁移表,查不到返回ErrInvalidTransition;
//     带payload时先按replace策略合并进上下文,再迁移到目标状态;
//     目标状态是终态时实例状态转为completed(失败终态转为failed)
func ApplyWorkflowEvent(definition *WorkflowDefinition, instance *WorkflowInstance, event *WorkflowEvent) (*WorkflowInstance, []*SideEffect, error) {
	if definition == nil {
		return nil, nil, errors.Wrap(ErrWorkflowParamInvalid, "definition is nil")
	}
	if instance == nil {
		return nil, nil, errors.Wrap(ErrWorkflowParamInvalid, "instance is nil")
	}
	if event == nil || event.Name == "" {
		return nil, nil, errors.Wrap(ErrWorkflowParamInvalid, "event name is empty")
	}

	if event.Name == BuiltInEventDeepMergeContext {
		next, err := applyDeepMergeEvent(instance, event)
		if err != nil {
			return nil, nil, err
		}
		return next, nil, nil
	}

	transition, ok := definition.FindTransition(instance.State, event.Name)
	if !ok {
		return nil, nil, errors.WithMessagef(ErrInvalidTransition,
			"no transition for (%s, %s), instanceID: %s, definition: %s@%d",
			instance.State, event.Name, instance.ID, definition.ID, definition.Version)
	}

	next := copyInstance(instance)
	if len(event.Payload) > 0 {
		// 普通事件携带的payload按replace策略合并在根上
		merged, err := MergeContext(next.Context.ToMap(), event.Payload, ArrayMergeReplace, nil)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "merge event payload failed, instanceID: %s, event: %s", instance.ID, event.Name)
		}
		next.Context = NewJSONContextFromMap(merged)
	}
	next.State = transition.To
	if definition.IsFinalState(transition.To) {
		if definition.IsFailureState(transition.To) {
			next.Status = WorkflowInstanceStatusFailed
		} else {
			next.Status = WorkflowInstanceStatusCompleted
		}
	}
	next.UpdatedAt = time.Now().Unix()

	sideEffects := buildSideEffects(transition, next, event)
	return next, sideEffects, nil
}

// applyDeepMergeEvent 内置深合并事件,payload结构:
//
//	{"newContext": {...}, "arrayMergeOption": "replace", "destinationPath": ["a","b"]}
//
// arrayMergeOption缺省为replace,destinationPath缺省合并在根上
func applyDeepMergeEvent(instance *WorkflowInstance, event *WorkflowEvent) (*WorkflowInstance, error) {
	newContext, _ := event.Payload[EventPayloadKeyNewContext].(map[string]any)
	if newContext == nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "deep merge event without newContext, instanceID: %s", instance.ID)
	}
	opt := ArrayMergeReplace
	if v, ok := event.Payload[EventPayloadKeyArrayMergeOption].(string); ok && v != "" {
		opt = v
	}
	destinationPath := parseDestinationPath(event.Payload[EventPayloadKeyDestinationPath])

	merged, err := MergeContext(instance.Context.ToMap(), newContext, opt, destinationPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "deep merge context failed, instanceID: %s", instance.ID)
	}
	next := copyInstance(instance)
	next.Context = NewJSONContextFromMap(merged)
	next.UpdatedAt = time.Now().Unix()
	return next, nil
}

// parseDestinationPath 目标路径在payload里可能是[]string,也可能是JSON反序列化出来的[]any
func parseDestinationPath(v any) []string {
	switch path := v.(type) {
	case []string:
		return path
	case []any:
		ret := make([]string, 0, len(path))
		for _, seg := range path {
			str, ok := seg.(string)
			if !ok {
				return nil
			}
			ret = append(ret, str)
		}
		return ret
	default:
		return nil
	}
}

// buildSideEffects 按迁移规则配置的副作用名称,对照新上下文生成意图列表
func buildSideEffects(transition *TransitionConfig, next *WorkflowInstance, event *WorkflowEvent) []*SideEffect {
	if len(transition.SideEffects) == 0 {
		return nil
	}
	sideEffects := make([]*SideEffect, 0, len(transition.SideEffects))
	for _, name := range transition.SideEffects {
		switch name {
		case SideEffectKindEntity:
			entity, ok := next.Context.GetMap(ContextKeyEntity)
			if !ok {
				// 上下文里没有实体数据,这个副作用生成不了,跳过
				continue
			}
			entityID, _ := next.Context.GetString(ContextKeyEntity, ContextKeyEntityID)
			if entityID == "" {
				entityID = uuid.NewString()
				next.Context.Set([]string{ContextKeyEntity, ContextKeyEntityID}, entityID)
			}
			sideEffects = append(sideEffects, &SideEffect{
				Kind: SideEffectKindEntity,
				Payload: map[string]any{
					"workflowInstanceId": next.ID,
					ContextKeyEntityID:   entityID,
					"entity":             cloneContextMap(entity),
				},
			})
		case SideEffectKindNotification:
			sideEffects = append(sideEffects, &SideEffect{
				Kind: SideEffectKindNotification,
				Payload: map[string]any{
					"workflowInstanceId": next.ID,
					"event":              event.Name,
					"state":              next.State,
					"status":             next.Status,
				},
			})
		}
	}
	return sideEffects
}

// copyInstance 值拷贝实例,上下文深拷贝,后续变更不影响入参
func copyInstance(instance *WorkflowInstance) *WorkflowInstance {
	next := *instance
	next.Context = instance.Context.Clone()
	return &next
}
