package model

import (
	"time"
)

// Card 银行卡表
// 卡号即账户标识，余额以最小货币单位记录
type Card struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	Number    string    `gorm:"type:varchar(16);uniqueIndex;not null" json:"number"` // 16 位卡号，Luhn 校验
	PIN       string    `gorm:"type:char(4);not null" json:"-"`                      // 4 位 PIN，登录后不再返回
	Balance   int64     `gorm:"not null;default:0" json:"balance"`                   // 余额，存储层不设下限
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Card) TableName() string {
	return "card"
}
