package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate 给查询加行锁
// sqlite（测试用驱动）不支持 FOR UPDATE 语法，按方言降级为普通查询；
// 测试里事务串行执行，不依赖行锁互斥
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
