package config

import "errors"

// IdentityConfig 节点身份配置
//
// 节点身份为 Ed25519 密钥对，PeerID 由公钥的 sha2-256 multihash 派生。
type IdentityConfig struct {
	// KeyFile 私钥文件路径（PEM 编码的 PKCS#8）
	// 为空时在内存中生成临时密钥，重启后 PeerID 会变化
	KeyFile string `json:"key_file"`

	// AutoGenerate 密钥文件不存在时是否自动生成并写入
	AutoGenerate bool `json:"auto_generate"`
}

// DefaultIdentityConfig 返回默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		KeyFile:      "",
		AutoGenerate: true,
	}
}

// Validate 验证身份配置
func (c IdentityConfig) Validate() error {
	if c.KeyFile == "" && !c.AutoGenerate {
		return errors.New("identity: key_file is required when auto_generate is disabled")
	}
	return nil
}
