package tests

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/blingmoon/riskflow/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// reviewDefinitionJSON KYB审核流程的定义
// created -REVIEWED-> reviewed -APPROVE-> approved(终态)
// created -REVIEWING-> reviewing / created -REJECT-> rejected(失败终态)
const reviewDefinitionJSON = `{
	"id": "kyb_onboarding",
	"version": 1,
	"name": "KYB准入",
	"initial_state": "created",
	"states": [
		{"name": "created"},
		{"name": "reviewing"},
		{"name": "reviewed"},
		{"name": "approved", "is_final": true},
		{"name": "rejected", "is_final": true, "is_failure": true}
	],
	"transitions": [
		{"from": "created", "event": "REVIEWING", "to": "reviewing"},
		{"from": "created", "event": "REVIEWED", "to": "reviewed"},
		{"from": "created", "event": "REJECT", "to": "rejected"},
		{"from": "reviewing", "event": "REVIEWED", "to": "reviewed"},
		{"from": "reviewed", "event": "APPROVE", "to": "approved", "side_effects": ["entity", "notification"]}
	]
}`

func setupTestService(t *testing.T) (workflow.WorkflowService, workflow.WorkflowRepo) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// 内存SQLite每个连接是独立的库,限制成单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&workflow.WorkflowDefinitionPo{}, &workflow.WorkflowInstancePo{})
	require.NoError(t, err)

	repo := workflow.NewWorkflowRepo(db)
	lock := workflow.NewLocalWorkflowLock()
	return workflow.NewWorkflowService(repo, lock), repo
}

func seedDefinition(t *testing.T, repo workflow.WorkflowRepo, logicalID string, version int64, definitionJSON string) {
	t.Helper()
	_, err := repo.CreateWorkflowDefinition(context.Background(), &workflow.WorkflowDefinitionPo{
		LogicalID:  logicalID,
		Version:    version,
		Definition: []byte(definitionJSON),
	})
	require.NoError(t, err)
}

func TestWorkflowLifecycle(t *testing.T) {
	service, repo := setupTestService(t)
	seedDefinition(t, repo, "kyb_onboarding", 1, reviewDefinitionJSON)
	ctx := context.Background()

	t.Run("创建实例并走完整个审核流程", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "432109"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "created", instance.State)
		assert.Equal(t, workflow.WorkflowInstanceStatusActive, instance.Status)
		assert.Equal(t, int64(1), instance.DefinitionVersion)

		result, err := service.ApplyEvent(ctx, &workflow.ApplyEventReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
			EventName:          "REVIEWED",
			Payload:            map[string]any{"reviewer": "alice"},
		})
		require.NoError(t, err)
		assert.Equal(t, "reviewed", result.State)

		result, err = service.ApplyEvent(ctx, &workflow.ApplyEventReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
			EventName:          "APPROVE",
		})
		require.NoError(t, err)
		assert.Equal(t, "approved", result.State)
		assert.Equal(t, workflow.WorkflowInstanceStatusCompleted, result.Status)
		// 迁移规则配置了entity+notification两个副作用意图
		require.Len(t, result.SideEffects, 2)
		assert.Equal(t, workflow.SideEffectKindEntity, result.SideEffects[0].Kind)
		assert.Equal(t, workflow.SideEffectKindNotification, result.SideEffects[1].Kind)

		// 落库的上下文里有payload和回写的实体id
		jsonContext, err := service.GetWorkflowContext(ctx, &workflow.GetWorkflowContextReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
		})
		require.NoError(t, err)
		reviewer, _ := jsonContext.GetString("reviewer")
		assert.Equal(t, "alice", reviewer)
		entityID, ok := jsonContext.GetString(workflow.ContextKeyEntity, workflow.ContextKeyEntityID)
		assert.True(t, ok)
		assert.NotEmpty(t, entityID)
	})

	t.Run("无效事件返回错误且实例不变", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)

		// created状态下没有APPROVE的迁移规则
		_, err = service.ApplyEvent(ctx, &workflow.ApplyEventReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
			EventName:          "APPROVE",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(errors.Cause(err), workflow.ErrInvalidTransition))
		assert.True(t, workflow.IsRecoverableError(err))

		instances, err := service.QueryWorkflowInstance(ctx, &workflow.QueryWorkflowInstanceParams{
			WorkflowInstanceID: workflow.String(instance.ID),
			Page:               &workflow.Pager{Page: 1, Size: 1},
		})
		require.NoError(t, err)
		require.Len(t, instances, 1)
		assert.Equal(t, "created", instances[0].State)
	})

	t.Run("实例不存在", func(t *testing.T) {
		_, err := service.ApplyEvent(ctx, &workflow.ApplyEventReq{
			WorkflowInstanceID: "no-such-instance",
			ProjectIDs:         []string{"project-1"},
			EventName:          "REVIEWED",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(errors.Cause(err), workflow.ErrWorkflowInstanceNotFound))
	})

	t.Run("租户隔离_别人的实例按不存在处理", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)

		_, err = service.ApplyEvent(ctx, &workflow.ApplyEventReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-2"},
			EventName:          "REVIEWED",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(errors.Cause(err), workflow.ErrWorkflowInstanceNotFound))

		_, err = service.GetWorkflowContext(ctx, &workflow.GetWorkflowContextReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-2"},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(errors.Cause(err), workflow.ErrWorkflowInstanceNotFound))
	})
}

func TestDefinitionVersionPinning(t *testing.T) {
	service, repo := setupTestService(t)
	seedDefinition(t, repo, "kyb_onboarding", 1, reviewDefinitionJSON)
	ctx := context.Background()

	// v1实例
	instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
		DefinitionID: "kyb_onboarding",
		ProjectID:    "project-1",
		Context:      map[string]any{"entity": map[string]any{"id": "1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), instance.DefinitionVersion)

	// 发布v2,把REVIEWED从created状态拿掉
	v2 := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(reviewDefinitionJSON), &v2))
	v2["version"] = 2
	v2["transitions"] = []map[string]any{
		{"from": "created", "event": "REJECT", "to": "rejected"},
	}
	v2JSON, err := json.Marshal(v2)
	require.NoError(t, err)
	seedDefinition(t, repo, "kyb_onboarding", 2, string(v2JSON))

	// 新实例绑定v2
	newInstance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
		DefinitionID: "kyb_onboarding",
		ProjectID:    "project-1",
		Context:      map[string]any{"entity": map[string]any{"id": "2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), newInstance.DefinitionVersion)

	// 老实例还按v1的迁移表走,REVIEWED依然合法
	result, err := service.ApplyEvent(ctx, &workflow.ApplyEventReq{
		WorkflowInstanceID: instance.ID,
		ProjectIDs:         []string{"project-1"},
		EventName:          "REVIEWED",
	})
	require.NoError(t, err)
	assert.Equal(t, "reviewed", result.State)

	// 新实例上REVIEWED已经不存在
	_, err = service.ApplyEvent(ctx, &workflow.ApplyEventReq{
		WorkflowInstanceID: newInstance.ID,
		ProjectIDs:         []string{"project-1"},
		EventName:          "REVIEWED",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Cause(err), workflow.ErrInvalidTransition))
}

func TestApplyHook(t *testing.T) {
	service, repo := setupTestService(t)
	seedDefinition(t, repo, "kyb_onboarding", 1, reviewDefinitionJSON)
	ctx := context.Background()

	t.Run("hook合并加尾随事件", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)

		result, err := service.ApplyHook(ctx, &workflow.ApplyHookReq{
			WorkflowInstanceID: instance.ID,
			EventName:          "REVIEWED",
			Payload:            map[string]any{"score": float64(90)},
		})
		require.NoError(t, err)
		assert.Equal(t, "reviewed", result.State)

		// hook数据默认落在hookResponse下,已有上下文不受影响
		jsonContext, err := service.GetWorkflowContext(ctx, &workflow.GetWorkflowContextReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
		})
		require.NoError(t, err)
		score, ok := jsonContext.GetFloat64("hookResponse", "score")
		assert.True(t, ok)
		assert.Equal(t, float64(90), score)
		entityID, _ := jsonContext.GetString("entity", "id")
		assert.Equal(t, "1", entityID)
	})

	t.Run("自定义路径和processName", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)

		_, err = service.ApplyHook(ctx, &workflow.ApplyHookReq{
			WorkflowInstanceID: instance.ID,
			EventName:          "REVIEWING",
			Payload:            map[string]any{"risk": "low"},
			ResultDestination:  "pluginsOutput.checks",
			ProcessName:        "websiteAnalysis",
		})
		require.NoError(t, err)

		jsonContext, err := service.GetWorkflowContext(ctx, &workflow.GetWorkflowContextReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
		})
		require.NoError(t, err)
		risk, ok := jsonContext.GetString("pluginsOutput", "checks", "websiteAnalysis", "risk")
		assert.True(t, ok)
		assert.Equal(t, "low", risk)
	})

	t.Run("尾随事件无效时整体回滚", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)

		// created状态下APPROVE无效,合并和状态迁移要一起回滚
		_, err = service.ApplyHook(ctx, &workflow.ApplyHookReq{
			WorkflowInstanceID: instance.ID,
			EventName:          "APPROVE",
			Payload:            map[string]any{"score": float64(90)},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(errors.Cause(err), workflow.ErrInvalidTransition))

		// hook数据不能半截落库
		jsonContext, err := service.GetWorkflowContext(ctx, &workflow.GetWorkflowContextReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
		})
		require.NoError(t, err)
		_, ok := jsonContext.Get("hookResponse")
		assert.False(t, ok, "hook payload should be rolled back together with the failed event")
	})

	t.Run("非对象payload包成data字段", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)

		_, err = service.ApplyHook(ctx, &workflow.ApplyHookReq{
			WorkflowInstanceID: instance.ID,
			EventName:          "REVIEWED",
			Payload:            []any{"hit-1", "hit-2"},
		})
		require.NoError(t, err)

		jsonContext, err := service.GetWorkflowContext(ctx, &workflow.GetWorkflowContextReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
		})
		require.NoError(t, err)
		data, ok := jsonContext.Get("hookResponse", "data")
		assert.True(t, ok)
		assert.Equal(t, []any{"hit-1", "hit-2"}, data)
	})
}

func TestConcurrentEvents(t *testing.T) {
	service, repo := setupTestService(t)
	seedDefinition(t, repo, "kyb_onboarding", 1, reviewDefinitionJSON)
	ctx := context.Background()

	t.Run("两个互斥事件竞争_一胜一败", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)

		// REVIEWING和REJECT都只在created状态下合法,先到的赢,后到的拿ErrInvalidTransition
		events := []string{"REVIEWING", "REJECT"}
		errs := make([]error, len(events))
		wg := sync.WaitGroup{}
		for i, event := range events {
			wg.Add(1)
			go func(i int, event string) {
				defer wg.Done()
				_, errs[i] = service.ApplyEvent(ctx, &workflow.ApplyEventReq{
					WorkflowInstanceID: instance.ID,
					ProjectIDs:         []string{"project-1"},
					EventName:          event,
				})
			}(i, event)
		}
		wg.Wait()

		succeeded, lost := 0, 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			if errors.Is(errors.Cause(err), workflow.ErrInvalidTransition) {
				lost++
			} else {
				t.Errorf("unexpected error kind: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded, "exactly one event should win the race")
		assert.Equal(t, 1, lost, "the loser should observe an invalid transition")

		// 落库状态是胜者产生的,且在定义的状态集合里
		instances, err := service.QueryWorkflowInstance(ctx, &workflow.QueryWorkflowInstanceParams{
			WorkflowInstanceID: workflow.String(instance.ID),
			Page:               &workflow.Pager{Page: 1, Size: 1},
		})
		require.NoError(t, err)
		require.Len(t, instances, 1)
		assert.Contains(t, []string{"reviewing", "rejected"}, instances[0].State)
	})

	t.Run("并发hook串行合并_数据不丢", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)
		// 先迁到reviewing,让REVIEWED的hook在reviewing/created都合法之外单独测合并
		_, err = service.ApplyEvent(ctx, &workflow.ApplyEventReq{
			WorkflowInstanceID: instance.ID,
			ProjectIDs:         []string{"project-1"},
			EventName:          "REVIEWING",
		})
		require.NoError(t, err)

		// 多个检查回调写各自的processName,串行化后都要在
		processes := []string{"sanctions", "websiteAnalysis", "registryLookup"}
		wg := sync.WaitGroup{}
		for _, process := range processes {
			wg.Add(1)
			go func(process string) {
				defer wg.Done()
				_, err := service.ApplyHook(ctx, &workflow.ApplyHookReq{
					WorkflowInstanceID: instance.ID,
					EventName:          "REVIEWED",
					Payload:            map[string]any{"done": true},
					ProcessName:        process,
				})
				// 第一个hook落地后状态变成reviewed,后续hook的尾随事件会失败
				// 这里只关心没有非预期错误
				if err != nil && !workflow.IsRecoverableError(err) {
					t.Errorf("unexpected error for process %s: %v", process, err)
				}
			}(process)
		}
		wg.Wait()

		instances, err := service.QueryWorkflowInstance(ctx, &workflow.QueryWorkflowInstanceParams{
			WorkflowInstanceID: workflow.String(instance.ID),
			Page:               &workflow.Pager{Page: 1, Size: 1},
		})
		require.NoError(t, err)
		require.Len(t, instances, 1)
		assert.Equal(t, "reviewed", instances[0].State)
		// 赢家的hook数据一定在,且在hookResponse.<processName>下
		winners := 0
		for _, process := range processes {
			if _, ok := instances[0].Context.Get("hookResponse", process); ok {
				winners++
			}
		}
		assert.GreaterOrEqual(t, winners, 1)
	})
}

func TestQueryAndCount(t *testing.T) {
	service, repo := setupTestService(t)
	seedDefinition(t, repo, "kyb_onboarding", 1, reviewDefinitionJSON)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "1"}},
		})
		require.NoError(t, err)
	}
	_, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
		DefinitionID: "kyb_onboarding",
		ProjectID:    "project-2",
		Context:      map[string]any{"entity": map[string]any{"id": "2"}},
	})
	require.NoError(t, err)

	count, err := service.CountWorkflowInstance(ctx, &workflow.QueryWorkflowInstanceParams{
		ProjectIDIn: []string{"project-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	instances, err := service.QueryWorkflowInstance(ctx, &workflow.QueryWorkflowInstanceParams{
		ProjectIDIn: []string{"project-1"},
		StatusIn:    []string{workflow.WorkflowInstanceStatusActive},
		Page:        &workflow.Pager{Page: 1, Size: 2},
	})
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestCreateWorkflowInstance_EntityID(t *testing.T) {
	service, repo := setupTestService(t)
	seedDefinition(t, repo, "kyb_onboarding", 1, reviewDefinitionJSON)
	ctx := context.Background()

	t.Run("实体缺id报参数错误", func(t *testing.T) {
		_, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"type": "business"}},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(errors.Cause(err), workflow.ErrWorkflowParamInvalid))
	})

	t.Run("有业务id时补引擎实体id", func(t *testing.T) {
		instance, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "kyb_onboarding",
			ProjectID:    "project-1",
			Context:      map[string]any{"entity": map[string]any{"id": "432109"}},
		})
		require.NoError(t, err)
		entityID, ok := instance.Context.GetString(workflow.ContextKeyEntity, workflow.ContextKeyEntityID)
		assert.True(t, ok)
		assert.NotEmpty(t, entityID)
	})

	t.Run("定义不存在", func(t *testing.T) {
		_, err := service.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
			DefinitionID: "no_such_definition",
			ProjectID:    "project-1",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(errors.Cause(err), workflow.ErrWorkflowDefinitionNotFound))
	})
}
