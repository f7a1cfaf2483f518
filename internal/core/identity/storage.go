package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const pemTypePrivateKey = "PRIVATE KEY"

var (
	// ErrInvalidPEM 无效的 PEM 数据
	ErrInvalidPEM = errors.New("identity: invalid PEM data")

	// ErrKeyNotFound 密钥文件不存在
	ErrKeyNotFound = errors.New("identity: key not found")
)

// ============================================================================
//                              私钥持久化
// ============================================================================

// SavePrivateKeyPEM 以 PKCS#8 PEM 格式保存私钥，文件权限 0600
func SavePrivateKeyPEM(priv ed25519.PrivateKey, path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der})
	return atomicWriteFile(path, data, 0o600)
}

// LoadPrivateKeyPEM 从 PKCS#8 PEM 文件加载私钥
func LoadPrivateKeyPEM(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivateKey {
		return nil, ErrInvalidPEM
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKeyType
	}
	return priv, nil
}

// LoadOrGenerate 加载 path 处的身份
//
// path 为空时生成临时身份；文件不存在且 autoGenerate 为 true 时生成并写入。
func LoadOrGenerate(path string, autoGenerate bool) (*Identity, error) {
	if path == "" {
		return Generate()
	}

	priv, err := LoadPrivateKeyPEM(path)
	switch {
	case err == nil:
		return FromPrivateKey(priv)
	case errors.Is(err, ErrKeyNotFound) && autoGenerate:
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := SavePrivateKeyPEM(id.PrivateKey(), path); err != nil {
			return nil, fmt.Errorf("save identity: %w", err)
		}
		logger.Info("已生成新身份", "peer", id.PeerID().ShortString(), "path", path)
		return id, nil
	default:
		return nil, fmt.Errorf("load identity: %w", err)
	}
}

// atomicWriteFile 原子写文件
//
// 写入同目录临时文件并同步后 rename 到目标路径，失败时目标文件保持不变。
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("设置文件权限失败: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("原子 rename 失败: %w", err)
	}

	success = true
	return nil
}
