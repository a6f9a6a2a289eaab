package workflow

import (
	"encoding/json"
	"fmt"
)

// JSONContext 封装工作流实例的上下文文档,提供嵌套路径的读写方法
// 上下文是无schema的业务数据,只能通过合并引擎变更,这里只负责读写和拷贝
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从JSON字节创建上下文,解析失败时得到空上下文
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		json.Unmarshal(b, &ctx.data)
	}
	return ctx
}

// NewJSONContextFromMap 从map创建上下文,持有传入map的引用
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 获取值,支持嵌套路径
// 例如: Get("entity", "id") 获取 entity.id
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// GetString 获取字符串值
func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetMap 获取子对象
func (c *JSONContext) GetMap(keys ...string) (map[string]any, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return nil, false
	}
	m, ok := val.(map[string]any)
	return m, ok
}

// GetFloat64 获取数字值,JSON反序列化出来的数字统一是float64
func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Set 设置值,支持嵌套路径,中间路径不是对象时会被覆盖成对象
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}
	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		nextMap, ok := current[key].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Delete 删除指定路径的值,路径不存在时不做任何事
func (c *JSONContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			return
		}
		current = nextMap
	}
	delete(current, keys[len(keys)-1])
}

// ToBytes 序列化为JSON字节
func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

func (c *JSONContext) ToBytesWithoutError() []byte {
	b, err := json.Marshal(c.data)
	if err != nil {
		return nil
	}
	return b
}

// ToMap 返回底层map(注意: 返回的是引用)
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝上下文
func (c *JSONContext) Clone() *JSONContext {
	return NewJSONContextFromMap(cloneContextMap(c.data))
}

// Unmarshal 将上下文反序列化到指定结构体
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
