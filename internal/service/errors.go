package service

import (
	"errors"

	"cardbank/internal/repository"
)

// 转账校验错误：均为用户输入问题，发生时不产生任何状态变更
var (
	ErrSelfTransfer      = errors.New("cannot transfer to the same card")
	ErrInvalidCardNumber = errors.New("card number failed validation")
	ErrUnknownCard       = errors.New("destination card does not exist")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

var (
	// ErrCardNotFound 登录/查询无结果，不是校验错误
	ErrCardNotFound = repository.ErrCardNotFound

	ErrBalanceNotZero       = errors.New("card balance must be zero before closing")
	ErrNumberSpaceExhausted = errors.New("could not allocate a unique card number")

	// ErrTransferFailed 两条腿执行过程中的基础设施故障，已回滚或已补偿
	ErrTransferFailed = errors.New("transfer failed")
)

// IsValidationError 判断是否为转账/入账的输入校验错误
func IsValidationError(err error) bool {
	return errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInvalidCardNumber) ||
		errors.Is(err, ErrUnknownCard) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount)
}
