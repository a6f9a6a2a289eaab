package workflow

import (
	"context"
)

// 辅助函数: 取指针
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

type WorkflowRepo interface {
	CreateWorkflowDefinition(ctx context.Context, definition *WorkflowDefinitionPo) (*WorkflowDefinitionPo, error)
	QueryWorkflowDefinition(ctx context.Context, param *QueryWorkflowDefinitionParams) ([]*WorkflowDefinitionPo, error)
	CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error)
	// GetWorkflowInstanceByIDAndLock 取实例行并加排它锁,必须在Transaction里调用
	// 锁被别的事务持有时会阻塞到对方提交,然后返回最新已提交的行
	// 这一层不校验租户(hook投递时可能不知道租户),调用方取到后自己校验
	GetWorkflowInstanceByIDAndLock(ctx context.Context, workflowInstanceID string) (*WorkflowInstancePo, error)
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
