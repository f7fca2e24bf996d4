package service

import (
	"errors"
	"strings"
)

var (
	ErrInsufficientBalance = errors.New("积分不足")
	ErrBonusDisabled       = errors.New("积分功能未开启")
	ErrInvalidAdjustment   = errors.New("调整数量不能为0")

	// ErrLockTimeout 行锁等待超时
	// 积分模块自己不重试，由订单状态流转的调用方做有限次重试
	ErrLockTimeout = errors.New("积分余额行锁等待超时")
)

// wrapLockTimeout 把 MySQL 的锁等待超时翻译成哨兵错误
// 其余错误原样返回
func wrapLockTimeout(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "Lock wait timeout") {
		return ErrLockTimeout
	}
	return err
}
