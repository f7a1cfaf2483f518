package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/dep2p/go-dep2p-kad/internal/core/identity"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// certValidity 自签名证书有效期
const certValidity = 180 * 24 * time.Hour

// NewTLSConfig 生成服务端与客户端 TLS 配置
//
// 证书直接由身份私钥签名，对端 PeerID 以证书公钥派生为准。
func NewTLSConfig(id *identity.Identity) (server, client *tls.Config, err error) {
	if id == nil {
		return nil, nil, fmt.Errorf("identity is nil")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Kad DHT"},
			CommonName:   id.PeerID().String(),
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, id.PublicKey(), id.PrivateKey())
	if err != nil {
		return nil, nil, fmt.Errorf("创建证书失败: %w", err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  id.PrivateKey(),
	}

	// 自签名证书没有 CA 可验证，由 VerifyPeerCertificate 检查公钥与有效期
	server = &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{message.ProtocolID},
		InsecureSkipVerify:    true,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeerCertificate,
		MinVersion:            tls.VersionTLS13,
	}
	client = server.Clone()
	client.ClientAuth = tls.NoClientCert
	return server, client, nil
}

// verifyPeerCertificate 验证对端证书为有效期内的 Ed25519 证书
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("解析证书失败: %w", err)
	}
	if _, err := peerIDFromCert(cert); err != nil {
		return err
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("证书签名无效: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("证书尚未生效: NotBefore=%v", cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("证书已过期: NotAfter=%v", cert.NotAfter)
	}
	return nil
}

// ExtractPeerID 从 TLS 连接状态中提取对端 PeerID
func ExtractPeerID(state tls.ConnectionState) (types.PeerID, error) {
	if len(state.PeerCertificates) == 0 {
		return "", ErrNoCertificate
	}
	return peerIDFromCert(state.PeerCertificates[0])
}

func peerIDFromCert(cert *x509.Certificate) (types.PeerID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("不支持的公钥类型: %T", cert.PublicKey)
	}
	return types.IDFromPublicKey(pub)
}
