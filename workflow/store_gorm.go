package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WorkflowDefinitionPo struct {
	ID         int64                    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	LogicalID  string                   `gorm:"column:logical_id;index:idx_logical_version,unique" json:"logical_id"`
	Version    int64                    `gorm:"column:version;index:idx_logical_version,unique" json:"version"`
	Name       string                   `gorm:"column:name" json:"name"`
	Status     WorkflowDefinitionStatus `gorm:"column:status" json:"status"`
	Definition []byte                   `gorm:"column:definition" json:"definition"` // DefinitionConfig的JSON
	CreatedAt  int64                    `gorm:"column:created_at" json:"created_at"`
}

func (WorkflowDefinitionPo) TableName() string {
	return "workflow_definition"
}

type WorkflowInstancePo struct {
	ID                string                 `gorm:"column:id;primaryKey" json:"id"`
	DefinitionID      string                 `gorm:"column:definition_id" json:"definition_id"`
	DefinitionVersion int64                  `gorm:"column:definition_version" json:"definition_version"` // 创建时绑定,不再变化
	ProjectID         string                 `gorm:"column:project_id" json:"project_id"`
	State             string                 `gorm:"column:state" json:"state"`
	Status            WorkflowInstanceStatus `gorm:"column:status" json:"status"`
	WorkflowContext   []byte                 `gorm:"column:workflow_context" json:"workflow_context"` // 工作流上下文
	CreatedAt         int64                  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         int64                  `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryWorkflowDefinitionParams struct {
	LogicalID         *string  `json:"logical_id"`
	Version           *int64   `json:"version"`
	StatusIn          []string `json:"status_in"`
	OrderbyVersionAsc *bool    `json:"orderby_version_asc"`
	Page              *Pager   `json:"page"`
}

type QueryWorkflowInstanceParams struct {
	WorkflowInstanceID *string  `json:"workflow_instance_id"`
	DefinitionIDIn     []string `json:"definition_id_in"`
	ProjectIDIn        []string `json:"project_id_in"`
	StatusIn           []string `json:"status_in"`
	StateIn            []string `json:"state_in"`
	OrderbyCreatedAsc  *bool    `json:"orderby_created_asc"`
	Page               *Pager   `json:"page"`
}

type UpdateWorkflowInstanceParams struct {
	Where    *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields   *UpdateWorkflowInstanceField `json:"field" validate:"required"`
	LimitMax int                          `json:"limit_max" validate:"required"`
}

type UpdateWorkflowInstanceWhere struct {
	IDIn     []string `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowInstanceField struct {
	State           *string      `json:"state"`
	Status          *string      `json:"status"`
	WorkflowContext *JSONContext `json:"workflow_context"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

func (r *workflowRepo) CreateWorkflowDefinition(ctx context.Context, definition *WorkflowDefinitionPo) (*WorkflowDefinitionPo, error) {
	if definition == nil {
		return nil, fmt.Errorf("nil WorkflowDefinitionPo")
	}
	if definition.Status == "" {
		definition.Status = WorkflowDefinitionStatusActive
	}
	definition.CreatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(definition).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowDefinition failed")
	}
	return definition, nil
}

func buildQueryWorkflowDefinitionParams(db *gorm.DB, param *QueryWorkflowDefinitionParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowDefinitionParams")
	}
	if param.LogicalID != nil {
		db = db.Where("logical_id = ?", param.LogicalID)
	}
	if param.Version != nil {
		db = db.Where("version = ?", param.Version)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.OrderbyVersionAsc != nil {
		if *param.OrderbyVersionAsc {
			db = db.Order("version asc")
		} else {
			db = db.Order("version desc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *workflowRepo) QueryWorkflowDefinition(ctx context.Context, param *QueryWorkflowDefinitionParams) ([]*WorkflowDefinitionPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowDefinitionParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowDefinitionPo{})
	db, err := buildQueryWorkflowDefinitionParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowDefinitionParams failed")
	}
	pos := make([]*WorkflowDefinitionPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowDefinition failed")
	}
	return pos, nil
}

func (r *workflowRepo) CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if workflowInstance == nil {
		return nil, fmt.Errorf("nil WorkflowInstancePo")
	}
	workflowInstance.CreatedAt = time.Now().Unix()
	workflowInstance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(workflowInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return workflowInstance, nil
}

func buildQueryWorkflowInstanceParams(db *gorm.DB, isCount bool, param *QueryWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowInstanceParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("id = ?", param.WorkflowInstanceID)
	}
	if len(param.DefinitionIDIn) != 0 {
		db = db.Where("definition_id IN ?", param.DefinitionIDIn)
	}
	if len(param.ProjectIDIn) != 0 {
		db = db.Where("project_id IN ?", param.ProjectIDIn)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if len(param.StateIn) != 0 {
		db = db.Where("state IN ?", param.StateIn)
	}
	if param.OrderbyCreatedAsc != nil && !isCount {
		// 排序处理
		if *param.OrderbyCreatedAsc {
			db = db.Order("created_at asc")
		} else {
			db = db.Order("created_at desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			// 不分页显示指定了true
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *workflowRepo) QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowInstance failed")
	}
	return count, nil
}

// GetWorkflowInstanceByIDAndLock SELECT ... FOR UPDATE
// 行锁跟随调用方的事务,事务提交/回滚时释放
// 同一个实例同一时刻至多一个事务能拿到锁,事件按拿锁顺序串行应用
func (r *workflowRepo) GetWorkflowInstanceByIDAndLock(ctx context.Context, workflowInstanceID string) (*WorkflowInstancePo, error) {
	if workflowInstanceID == "" {
		return nil, errors.New("workflowInstanceID is empty")
	}
	if ctx.Value(transactionContextKey) == nil {
		// 不在事务里拿行锁没有意义,提交前就释放了
		return nil, errors.New("GetWorkflowInstanceByIDAndLock must run inside a transaction")
	}
	po := &WorkflowInstancePo{}
	err := r.GetDBWithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", workflowInstanceID).
		Take(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "workflowInstanceID: %s", workflowInstanceID)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "GetWorkflowInstanceByIDAndLock failed")
	}
	return po, nil
}

func buildUpdateWorkflowInstanceParams(db *gorm.DB, param *UpdateWorkflowInstanceParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateWorkflowInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return db, errors.New("update workflow instance need where condition, please check")
	}
	return db, nil
}

func buildUpdateWorkflowInstanceFields(fields *UpdateWorkflowInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.State != nil {
		updateFields["state"] = *fields.State
	}
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.WorkflowContext != nil {
		jsonData, err := fields.WorkflowContext.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.WorkflowContext failed")
		}
		updateFields["workflow_context"] = jsonData
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error {
	if param == nil {
		return fmt.Errorf("nil UpdateWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildUpdateWorkflowInstanceParams(db, param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceParams failed")
	}
	updateFields, err := buildUpdateWorkflowInstanceFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	if err := db.Updates(updateFields).Limit(param.LimitMax).Error; err != nil {
		return errors.WithMessage(err, "UpdateWorkflowInstance failed")
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务,直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

// Transaction 事务句柄藏在context里往下传,嵌套调用复用同一个事务
// fn返回error时整个事务回滚,锁随之释放,不会留下部分写入
func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctxTX := ctx.Value(transactionContextKey)
	var err error
	if ctxTX == nil {
		tx := r.db.Begin()
		if tx.Error != nil {
			return errors.WithMessage(tx.Error, "begin transaction failed")
		}
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
		newCtx := context.WithValue(ctx, transactionContextKey, tx)
		err = fn(newCtx)
		return err
	}
	return fn(ctx)
}
