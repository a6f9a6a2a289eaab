package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func workflowOpLockKey(workflowInstanceID string) string {
	return fmt.Sprintf("workflow_instance_execute_%s", workflowInstanceID)
}

func (s *WorkflowServiceImpl) CreateWorkflowInstance(ctx context.Context, req *CreateWorkflowInstanceReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "CreateWorkflowInstance failed, req: %v, err: %v", req, err)
	}
	// 创建时解析最新版本并钉死在实例上
	definition, err := s.definitions.GetLatest(ctx, req.DefinitionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetLatest failed, definitionID: %s", req.DefinitionID)
	}

	initialContext := cloneContextMap(req.Context)
	if entity, ok := initialContext[ContextKeyEntity].(map[string]any); ok {
		// 带实体的初始上下文要求有业务实体id,没有的话补一个引擎侧的实体id
		entityID, _ := entity["id"].(string)
		ballerineEntityID, _ := entity[ContextKeyEntityID].(string)
		if entityID == "" && ballerineEntityID == "" {
			return nil, errors.Wrap(ErrWorkflowParamInvalid, "entity id is required")
		}
		if ballerineEntityID == "" {
			entity[ContextKeyEntityID] = uuid.NewString()
		}
	}
	jsonContext := NewJSONContextFromMap(initialContext)

	workflowInstance, err := s.repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{
		ID:                uuid.NewString(),
		DefinitionID:      definition.ID,
		DefinitionVersion: definition.Version,
		ProjectID:         req.ProjectID,
		State:             definition.InitialState,
		Status:            WorkflowInstanceStatusActive,
		WorkflowContext:   jsonContext.ToBytesWithoutError(),
		CreatedAt:         time.Now().Unix(),
		UpdatedAt:         time.Now().Unix(),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateWorkflowInstance failed, definitionID: %s", req.DefinitionID)
	}
	return poToWorkflowInstance(workflowInstance), nil
}

func (s *WorkflowServiceImpl) ApplyEvent(ctx context.Context, req *ApplyEventReq) (*ApplyEventResult, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ApplyEvent failed, req: %v, err: %v", req, err)
	}
	var result *ApplyEventResult
	err := s.executeLock.BlockingSynchronized(ctx,
		workflowOpLockKey(req.WorkflowInstanceID),
		s.lockWaitTimeout,
		s.maxLockTime,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				instance, definition, err := s.loadInstanceAndDefinitionLocked(ctx, req.WorkflowInstanceID)
				if err != nil {
					return err
				}
				if err := checkProjectScope(instance, req.ProjectIDs); err != nil {
					return err
				}
				next, sideEffects, err := ApplyWorkflowEvent(definition, instance, &WorkflowEvent{
					Name:    req.EventName,
					Payload: req.Payload,
				})
				if err != nil {
					// 实例没动过,回滚只是释放锁
					return errors.WithMessagef(err, "ApplyWorkflowEvent failed, workflowInstanceID: %s, event: %s", req.WorkflowInstanceID, req.EventName)
				}
				if err := s.saveInstance(ctx, next); err != nil {
					return err
				}
				result = &ApplyEventResult{
					WorkflowInstanceID: next.ID,
					State:              next.State,
					Status:             next.Status,
					SideEffects:        sideEffects,
				}
				return nil
			})
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "ApplyEvent failed, workflowInstanceID: %s, event: %s", req.WorkflowInstanceID, req.EventName)
	}
	return result, nil
}

func (s *WorkflowServiceImpl) ApplyHook(ctx context.Context, req *ApplyHookReq) (*ApplyEventResult, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ApplyHook failed, req: %v, err: %v", req, err)
	}
	var result *ApplyEventResult
	err := s.executeLock.BlockingSynchronized(ctx,
		workflowOpLockKey(req.WorkflowInstanceID),
		s.lockWaitTimeout,
		s.maxLockTime,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				// hook投递方不知道租户,这里不做租户校验,按实例自己的project走
				instance, definition, err := s.loadInstanceAndDefinitionLocked(ctx, req.WorkflowInstanceID)
				if err != nil {
					return err
				}
				patch := NormalizeHookPayload(req.Payload, req.ResultDestination, req.ProcessName)

				// 第一步: 深合并hook数据,不改状态
				merged, _, err := ApplyWorkflowEvent(definition, instance, &WorkflowEvent{
					Name: BuiltInEventDeepMergeContext,
					Payload: map[string]any{
						EventPayloadKeyNewContext:       patch.Patch,
						EventPayloadKeyArrayMergeOption: patch.ArrayMergeOption,
						EventPayloadKeyDestinationPath:  patch.DestinationPath,
					},
				})
				if err != nil {
					return errors.WithMessagef(err, "deep merge hook payload failed, workflowInstanceID: %s", req.WorkflowInstanceID)
				}

				// 第二步: 尾随事件,在已经带上hook数据的上下文上迁移状态
				// 这一步失败整个事务回滚,上一步的合并也不会落库
				next, sideEffects, err := ApplyWorkflowEvent(definition, merged, &WorkflowEvent{
					Name: req.EventName,
				})
				if err != nil {
					return errors.WithMessagef(err, "apply trailing event failed, workflowInstanceID: %s, event: %s", req.WorkflowInstanceID, req.EventName)
				}
				if err := s.saveInstance(ctx, next); err != nil {
					return err
				}
				result = &ApplyEventResult{
					WorkflowInstanceID: next.ID,
					State:              next.State,
					Status:             next.Status,
					SideEffects:        sideEffects,
				}
				return nil
			})
		})
	if err != nil {
		if !IsRecoverableError(err) {
			slog.ErrorContext(ctx, fmt.Sprintf("ApplyHook failed, workflowInstanceID: %s, event: %s, err: %v", req.WorkflowInstanceID, req.EventName, err))
		}
		return nil, errors.WithMessagef(err, "ApplyHook failed, workflowInstanceID: %s, event: %s", req.WorkflowInstanceID, req.EventName)
	}
	return result, nil
}

func (s *WorkflowServiceImpl) GetWorkflowContext(ctx context.Context, req *GetWorkflowContextReq) (*JSONContext, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "GetWorkflowContext failed, req: %v, err: %v", req, err)
	}
	pos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		WorkflowInstanceID: &req.WorkflowInstanceID,
		ProjectIDIn:        req.ProjectIDs,
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, workflowInstanceID: %s", req.WorkflowInstanceID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "workflowInstanceID: %s", req.WorkflowInstanceID)
	}
	return NewJSONContext(pos[0].WorkflowContext), nil
}

func (s *WorkflowServiceImpl) QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error) {
	if params == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "nil QueryWorkflowInstanceParams")
	}
	pos, err := s.repo.QueryWorkflowInstance(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, params: %v", params)
	}
	instances := make([]*WorkflowInstance, 0, len(pos))
	for _, po := range pos {
		instances = append(instances, poToWorkflowInstance(po))
	}
	return instances, nil
}

func (s *WorkflowServiceImpl) CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error) {
	if params == nil {
		return 0, errors.Wrap(ErrWorkflowParamInvalid, "nil QueryWorkflowInstanceParams")
	}
	count, err := s.repo.CountWorkflowInstance(ctx, params)
	if err != nil {
		return 0, errors.WithMessagef(err, "CountWorkflowInstance failed, params: %v", params)
	}
	return count, nil
}

// loadInstanceAndDefinitionLocked 事务内行锁取实例,并加载实例绑定的定义版本
func (s *WorkflowServiceImpl) loadInstanceAndDefinitionLocked(ctx context.Context, workflowInstanceID string) (*WorkflowInstance, *WorkflowDefinition, error) {
	po, err := s.repo.GetWorkflowInstanceByIDAndLock(ctx, workflowInstanceID)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "GetWorkflowInstanceByIDAndLock failed, workflowInstanceID: %s", workflowInstanceID)
	}
	instance := poToWorkflowInstance(po)
	definition, err := s.definitions.GetByIDVersion(ctx, instance.DefinitionID, instance.DefinitionVersion)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "GetByIDVersion failed, definitionID: %s, version: %d", instance.DefinitionID, instance.DefinitionVersion)
	}
	return instance, definition, nil
}

func (s *WorkflowServiceImpl) saveInstance(ctx context.Context, instance *WorkflowInstance) error {
	err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn: []string{instance.ID},
		},
		Fields: &UpdateWorkflowInstanceField{
			State:           &instance.State,
			Status:          &instance.Status,
			WorkflowContext: instance.Context,
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateWorkflowInstance failed, workflowInstanceID: %s", instance.ID)
	}
	return nil
}

// checkProjectScope 租户校验,不在调用方可见范围内的实例按不存在处理,不暴露存在性
func checkProjectScope(instance *WorkflowInstance, projectIDs []string) error {
	for _, projectID := range projectIDs {
		if instance.ProjectID == projectID {
			return nil
		}
	}
	return errors.WithMessagef(ErrWorkflowInstanceNotFound, "workflowInstanceID: %s not visible in projects: %v", instance.ID, projectIDs)
}

func poToWorkflowInstance(po *WorkflowInstancePo) *WorkflowInstance {
	return &WorkflowInstance{
		ID:                po.ID,
		DefinitionID:      po.DefinitionID,
		DefinitionVersion: po.DefinitionVersion,
		ProjectID:         po.ProjectID,
		State:             po.State,
		Status:            po.Status,
		Context:           NewJSONContext(po.WorkflowContext),
		CreatedAt:         po.CreatedAt,
		UpdatedAt:         po.UpdatedAt,
	}
}
