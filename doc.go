// Package riskflow 提供长周期业务工作流(KYB/KYC准入、持续监控)的运行时引擎。
//
// 引擎把每个业务流程跑成一个"带版本定义的工作流实例":实例创建时绑定定义的最新版本,
// 之后通过外部事件(API调用、异步检查的hook回调)驱动状态迁移,业务数据累积在实例的
// 上下文文档里,只能通过确定性的合并引擎变更。
//
// 主要特性:
//   - 版本化定义: 状态图+迁移规则以JSON配置,一次编辑产生一个新版本,运行中的实例不受影响
//   - 确定性合并: 上下文深合并支持replace/concat两种数组策略,纯函数,重试安全
//   - 事件处理核心: (state,event)迁移表驱动,副作用以意图列表返回,引擎自己不执行
//   - hook复合操作: 回调数据归一化落到指定路径+尾随事件,同一事务内原子完成
//   - 并发安全: 事务内行锁(FOR UPDATE)串行化同一实例上的事件,外加本地/Redis实例锁
//   - 数据持久化: 支持GORM,可使用MySQL、PostgreSQL、SQLite等数据库
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//	    "encoding/json"
//
//	    "github.com/blingmoon/riskflow/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("riskflow.db"), &gorm.Config{})
//	    db.AutoMigrate(&workflow.WorkflowDefinitionPo{}, &workflow.WorkflowInstancePo{})
//
//	    // 2. 创建工作流服务
//	    repo := workflow.NewWorkflowRepo(db)
//	    lock := workflow.NewLocalWorkflowLock()
//	    service := workflow.NewWorkflowService(repo, lock)
//
//	    // 3. 入库一个定义版本(定义的创作通常由外部系统完成)
//	    definitionJSON := `{
//	        "id": "kyb_onboarding",
//	        "version": 1,
//	        "name": "KYB准入",
//	        "initial_state": "created",
//	        "states": [
//	            {"name": "created"},
//	            {"name": "reviewed"},
//	            {"name": "approved", "is_final": true}
//	        ],
//	        "transitions": [
//	            {"from": "created", "event": "REVIEWED", "to": "reviewed"},
//	            {"from": "reviewed", "event": "APPROVE", "to": "approved", "side_effects": ["entity"]}
//	        ]
//	    }`
//	    repo.CreateWorkflowDefinition(context.Background(), &workflow.WorkflowDefinitionPo{
//	        LogicalID:  "kyb_onboarding",
//	        Version:    1,
//	        Definition: json.RawMessage(definitionJSON),
//	    })
//
//	    // 4. 创建实例并驱动事件
//	    instance, _ := service.CreateWorkflowInstance(context.Background(),
//	        &workflow.CreateWorkflowInstanceReq{
//	            DefinitionID: "kyb_onboarding",
//	            ProjectID:    "project-1",
//	            Context:      map[string]any{"entity": map[string]any{"id": "432109"}},
//	        },
//	    )
//	    service.ApplyEvent(context.Background(), &workflow.ApplyEventReq{
//	        WorkflowInstanceID: instance.ID,
//	        ProjectIDs:         []string{"project-1"},
//	        EventName:          "REVIEWED",
//	    })
//	}
//
// hook回调的数据流转:
//
// 异步检查(制裁名单、网站分析等)完成后回调ApplyHook,引擎在一个事务里:
//   - 把回调payload归一化后深合并到上下文的resultDestination路径下(默认hookResponse)
//   - 再应用尾随事件,事件处理方看到的上下文里一定已经有hook数据
//   - 任何一步失败整体回滚,不会出现合并了数据但状态没迁移的半截结果
//
// 更多示例见 examples/ 目录。
package riskflow
