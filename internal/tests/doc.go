// Package tests 集成测试,用内存SQLite跑完整的服务链路:
// 服务层 -> 实例锁 -> 事务+行锁 -> 状态机 -> 落库
package tests
