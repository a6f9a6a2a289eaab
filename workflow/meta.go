package workflow

import "github.com/pkg/errors"

var (
	ErrWorkflowDefinitionNotFound = errors.New("workflow definition not found")
	ErrWorkflowInstanceNotFound   = errors.New("workflow instance not found")
	// ErrInvalidTransition: 当前状态下没有这个事件对应的迁移规则
	// 场景&应用: 并发事件竞争时输掉的一方会拿到这个错误,实例保持不变,由调用方决定是否重试
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrencyTimeout: 在限定时间内没有拿到实例锁
	// 场景&应用: 同一个实例上有别的事件正在处理,调用方可以稍后重试,不允许强制解锁
	ErrConcurrencyTimeout = errors.New("concurrency wait timeout")
	// ErrMergeConflict: patch和base在同一路径上的类型无法调和(比如对象合并到标量上)
	// 场景&应用: hook回调数据和已有上下文结构冲突,整个事务回滚,不允许部分写入
	ErrMergeConflict        = errors.New("context merge type conflict")
	ErrWorkflowParamInvalid = errors.New("workflow param invalid")
)

type WorkflowInstanceStatus = string

const (
	// 运行中, 实例可以继续接收事件
	WorkflowInstanceStatusActive WorkflowInstanceStatus = "active"
	// 完成, 终止状态, 进入定义里标记为final的状态后转入
	WorkflowInstanceStatusCompleted WorkflowInstanceStatus = "completed"
	// 失败, 终止状态, 目前只能由定义里标记为失败的终态触发
	WorkflowInstanceStatusFailed WorkflowInstanceStatus = "failed"
)

func IsOverWorkflowInstanceStatus(status WorkflowInstanceStatus) bool {
	return status == WorkflowInstanceStatusCompleted || status == WorkflowInstanceStatusFailed
}

type WorkflowDefinitionStatus = string

const (
	WorkflowDefinitionStatusActive  WorkflowDefinitionStatus = "active"
	WorkflowDefinitionStatusDeleted WorkflowDefinitionStatus = "deleted"
)

// ArrayMergeOption 数组合并策略
type ArrayMergeOption = string

const (
	// ArrayMergeReplace 数组整体替换,深合并事件的默认策略
	ArrayMergeReplace ArrayMergeOption = "replace"
	// ArrayMergeConcat 两边都是数组时拼接,patch元素追加在后面,不去重
	ArrayMergeConcat ArrayMergeOption = "concat"
)

// BuiltInEventDeepMergeContext 内置事件:深合并上下文
// 任何状态下都合法,只改上下文不改状态,hook回调走的就是这个事件
const BuiltInEventDeepMergeContext = "DEEP_MERGE_CONTEXT"

// 内置深合并事件的payload key
const (
	EventPayloadKeyNewContext       = "newContext"
	EventPayloadKeyArrayMergeOption = "arrayMergeOption"
	EventPayloadKeyDestinationPath  = "destinationPath"
)

// DefaultHookDestinationPath hook回调结果默认写入的上下文key
const DefaultHookDestinationPath = "hookResponse"

// ContextKeyEntity 上下文里业务实体所在的key,实体副作用从这里取数据
const ContextKeyEntity = "entity"

// ContextKeyEntityID 实体副作用生成的实体ID字段
const ContextKeyEntityID = "ballerineEntityId"

type SideEffectKind = string

const (
	// SideEffectKindEntity 实体创建意图,由迁移规则的side_effects配置触发
	SideEffectKindEntity SideEffectKind = "entity"
	// SideEffectKindNotification 通知意图,引擎只返回不执行
	SideEffectKindNotification SideEffectKind = "notification"
)

// IsRecoverableError 判断是否是调用方可以恢复的错误
// 可恢复: 返回给调用方即可(404/409/400一类),不会破坏实例状态
// 不可恢复: 存储不可用等内部错误,当前请求失败,事务已回滚
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowDefinitionNotFound) ||
		errors.Is(causeErr, ErrWorkflowInstanceNotFound) ||
		errors.Is(causeErr, ErrInvalidTransition) ||
		errors.Is(causeErr, ErrConcurrencyTimeout) ||
		errors.Is(causeErr, ErrMergeConflict) ||
		errors.Is(causeErr, ErrWorkflowParamInvalid) {
		return true
	}
	return false
}

// IsRetryableError 调用方重试有意义的错误,目前只有锁等待超时
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(errors.Cause(err), ErrConcurrencyTimeout)
}
