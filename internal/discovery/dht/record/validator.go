// Package record 提供 DHT 可变记录的验证与比较
//
// DHT 核心只依赖 Validator 接口：PutValue 发布前在本地验证，
// SearchValue 用 Compare 在多个返回记录中挑选最新者。
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidKey 键格式非法
	ErrInvalidKey = errors.New("record: invalid key")

	// ErrInvalidRecordType 没有对应命名空间的验证器
	ErrInvalidRecordType = errors.New("record: invalid record type")

	// ErrInvalidRecord 记录无法解析
	ErrInvalidRecord = errors.New("record: malformed record")

	// ErrKeyMismatch 键与记录公钥不匹配
	ErrKeyMismatch = errors.New("record: key does not match public key")

	// ErrSignatureInvalid 签名验证失败
	ErrSignatureInvalid = errors.New("record: invalid signature")

	// ErrExpiredRecord 记录已过期
	ErrExpiredRecord = errors.New("record: expired")
)

// ============================================================================
//                              比较结果
// ============================================================================

// Comparison Compare 的结果
type Comparison int

const (
	// Worse a 比 b 旧
	Worse Comparison = -1
	// Equal 同样新
	Equal Comparison = 0
	// Better a 比 b 新
	Better Comparison = 1
)

// String 返回可读名称
func (c Comparison) String() string {
	switch c {
	case Worse:
		return "worse"
	case Equal:
		return "equal"
	case Better:
		return "better"
	default:
		return fmt.Sprintf("Comparison(%d)", int(c))
	}
}

// ============================================================================
//                              记录与验证器
// ============================================================================

// Entry 经过验证的结构化记录
type Entry struct {
	Key       string
	Value     []byte
	Sequence  uint64
	Validity  time.Time
	PublicKey []byte
	Signature []byte

	// Raw 记录的原始编码，原样转发或存储
	Raw []byte
}

// Validator 验证并比较记录
type Validator interface {
	// Validate 把原始值解析并验证为 Entry
	Validate(key string, value []byte) (*Entry, error)

	// Compare 报告 a 相对 b 是更新、一样还是更旧
	Compare(a, b *Entry) Comparison
}

// SplitKey 拆分 /<namespace>/<path> 形式的键
func SplitKey(key string) (namespace, path string, err error) {
	if len(key) == 0 || key[0] != '/' {
		return "", "", ErrInvalidKey
	}
	key = key[1:]
	i := strings.IndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", "", ErrInvalidKey
	}
	return key[:i], key[i+1:], nil
}

// NamespacedValidator 按键的命名空间分派验证器
type NamespacedValidator map[string]Validator

// ValidatorByKey 返回键对应的验证器
func (v NamespacedValidator) ValidatorByKey(key string) Validator {
	ns, _, err := SplitKey(key)
	if err != nil {
		return nil
	}
	return v[ns]
}

// Validate 实现 Validator
func (v NamespacedValidator) Validate(key string, value []byte) (*Entry, error) {
	vi := v.ValidatorByKey(key)
	if vi == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecordType, key)
	}
	return vi.Validate(key, value)
}

// Compare 实现 Validator
//
// 未知命名空间的记录视为同样新。
func (v NamespacedValidator) Compare(a, b *Entry) Comparison {
	vi := v.ValidatorByKey(a.Key)
	if vi == nil {
		return Equal
	}
	return vi.Compare(a, b)
}

var _ Validator = NamespacedValidator{}
