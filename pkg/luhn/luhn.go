package luhn

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ============================================================================
// 卡号生成与校验（Luhn 算法）
// ============================================================================
//
// 卡号结构：16 位
//
//   400000 - 123456789 - 7
//   |        |           |
//   |        |           +-- 校验位（Luhn）
//   |        +-- 9 位随机账户段（均匀分布，补零）
//   +-- 6 位发卡行前缀
//
// 【Luhn 计算】从输入串最右一位开始向左，每隔一位乘 2（最右一位乘 2），
// 乘积大于 9 的减 9，全部求和，校验位 = (10 - sum%10) % 10。
// 交替位置以串尾为锚点，而不是固定奇偶，不同长度的串结果一致。
//
// ============================================================================

const (
	DefaultIssuerPrefix = "400000"
	NumberLength        = 16
	SegmentLength       = 9
	PINLength           = 4
)

var ErrNotDigits = errors.New("luhn: input must be a non-empty decimal digit string")

// Checksum 计算 payload 的校验位
func Checksum(payload string) (int, error) {
	if payload == "" {
		return 0, ErrNotDigits
	}

	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		c := payload[i]
		if c < '0' || c > '9' {
			return 0, ErrNotDigits
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}

	return (10 - sum%10) % 10, nil
}

// Valid 校验完整号码（payload + 校验位），非法输入返回 false
func Valid(number string) bool {
	if len(number) < 2 {
		return false
	}
	last := number[len(number)-1]
	if last < '0' || last > '9' {
		return false
	}
	sum, err := Checksum(number[:len(number)-1])
	if err != nil {
		return false
	}
	return sum == int(last-'0')
}

// Generator 卡号与 PIN 生成器，无状态，可并发使用
type Generator struct {
	prefix string
	rand   io.Reader
}

// NewGenerator 创建生成器；prefix 必须是 6 位数字，rnd 为空时使用 crypto/rand
func NewGenerator(prefix string, rnd io.Reader) (*Generator, error) {
	if prefix == "" {
		prefix = DefaultIssuerPrefix
	}
	if len(prefix) != NumberLength-SegmentLength-1 || !isDigits(prefix) {
		return nil, fmt.Errorf("invalid issuer prefix %q", prefix)
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Generator{prefix: prefix, rand: rnd}, nil
}

// NewNumber 生成 16 位卡号，不检查唯一性
func (g *Generator) NewNumber() string {
	payload := g.prefix + g.digits(SegmentLength)
	// payload 由数字构成，Checksum 不会失败
	check, _ := Checksum(payload)
	return fmt.Sprintf("%s%d", payload, check)
}

// NewPIN 生成 4 位 PIN，与卡号无关
func (g *Generator) NewPIN() string {
	return g.digits(PINLength)
}

// IsValid 账本层面的卡号校验：长度、发卡行前缀、校验位
func (g *Generator) IsValid(number string) bool {
	if len(number) != NumberLength || !isDigits(number) {
		return false
	}
	if number[:len(g.prefix)] != g.prefix {
		return false
	}
	return Valid(number)
}

func (g *Generator) digits(n int) string {
	limit := uint64(math.Pow10(n))
	return fmt.Sprintf("%0*d", n, g.uniform(limit))
}

// uniform 拒绝采样，避免取模偏差
func (g *Generator) uniform(limit uint64) uint64 {
	bound := math.MaxUint64 - math.MaxUint64%limit
	var buf [8]byte
	for {
		if _, err := io.ReadFull(g.rand, buf[:]); err != nil {
			panic(fmt.Sprintf("luhn: random source failed: %v", err))
		}
		if v := binary.BigEndian.Uint64(buf[:]); v < bound {
			return v % limit
		}
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
