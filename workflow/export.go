package workflow

import (
	"context"
	"time"
)

type WorkflowService interface {
	/**
	 * @description: 创建工作流实例
	 *				 按req.DefinitionID解析最新定义版本并绑定到实例上,
	 *				 之后定义再怎么编辑都不影响这个实例
	 * @param ctx context.Context
	 * @param req *CreateWorkflowInstanceReq
	 * @return *WorkflowInstance, error
	 */
	CreateWorkflowInstance(ctx context.Context, req *CreateWorkflowInstanceReq) (*WorkflowInstance, error)

	/**
	 * @description: 对实例应用一个事件
	 *				 拿实例锁 -> 事务内行锁取实例 -> 状态机计算 -> 落库提交
	 *				 同一个实例的事件按拿锁顺序串行应用
	 *				 当前状态下没有对应迁移规则返回ErrInvalidTransition,实例保持不变
	 * @param ctx context.Context
	 * @param req *ApplyEventReq
	 * @return *ApplyEventResult 新状态和待执行的副作用意图
	 */
	ApplyEvent(ctx context.Context, req *ApplyEventReq) (*ApplyEventResult, error)

	/**
	 * @description: 应用hook回调,复合操作,一个事务内完成:
	 *				 1.归一化回调payload,深合并到上下文的目标路径下
	 *				 2.应用尾随事件req.EventName
	 *				 尾随事件的处理方看到的上下文里一定已经有hook数据
	 *				 任何一步失败整体回滚,不会出现只合并了上下文没迁移状态的情况
	 *				 hook投递时可能不知道租户,这一层按实例自己的project处理,不校验调用方租户
	 * @param ctx context.Context
	 * @param req *ApplyHookReq
	 * @return *ApplyEventResult, error
	 */
	ApplyHook(ctx context.Context, req *ApplyHookReq) (*ApplyEventResult, error)

	/**
	 * @description: 读实例上下文
	 * @param ctx context.Context
	 * @param req *GetWorkflowContextReq
	 * @return *JSONContext, error
	 */
	GetWorkflowContext(ctx context.Context, req *GetWorkflowContextReq) (*JSONContext, error)

	/**
	 * @description: 查询工作流实例列表,管理侧读路径,不参与状态迁移
	 */
	QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error)

	/**
	 * @description: 查询工作流实例数量
	 */
	CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error)
}

type CreateWorkflowInstanceReq struct {
	DefinitionID string         `json:"definition_id" validate:"required"` // 定义的逻辑ID
	ProjectID    string         `json:"project_id" validate:"required"`    // 租户/项目
	Context      map[string]any `json:"context"`                           // 初始上下文,可以为空
}

type ApplyEventReq struct {
	WorkflowInstanceID string         `json:"workflow_instance_id" validate:"required"`
	ProjectIDs         []string       `json:"project_ids" validate:"required,min=1"` // 调用方可见的租户范围
	EventName          string         `json:"event_name" validate:"required"`
	Payload            map[string]any `json:"payload"` // 可选,按replace策略合并进上下文
}

type ApplyHookReq struct {
	WorkflowInstanceID string `json:"workflow_instance_id" validate:"required"`
	EventName          string `json:"event_name" validate:"required"` // 尾随事件
	Payload            any    `json:"payload"`                        // 外部回调原始payload,形状任意
	ResultDestination  string `json:"result_destination"`             // 点分路径,空则hookResponse
	ProcessName        string `json:"process_name"`                   // 可选,追加为路径最后一段
}

type GetWorkflowContextReq struct {
	WorkflowInstanceID string   `json:"workflow_instance_id" validate:"required"`
	ProjectIDs         []string `json:"project_ids" validate:"required,min=1"`
}

type ApplyEventResult struct {
	WorkflowInstanceID string
	State              string
	Status             WorkflowInstanceStatus
	SideEffects        []*SideEffect
}

// WorkflowServiceImpl 工作流服务
type WorkflowServiceImpl struct {
	repo        WorkflowRepo
	definitions *definitionStore
	executeLock WorkflowLock
	// 等实例锁的最长时间,超过返回ErrConcurrencyTimeout让调用方重试
	lockWaitTimeout time.Duration
	// 持有实例锁的最大时间,沿用事务处理的上限
	maxLockTime time.Duration
}

func NewWorkflowService(repo WorkflowRepo, executeLock WorkflowLock) WorkflowService {
	return &WorkflowServiceImpl{
		repo:            repo,
		definitions:     newDefinitionStore(repo),
		executeLock:     executeLock,
		lockWaitTimeout: 10 * time.Second,
		maxLockTime:     10 * time.Minute,
	}
}
