package record

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// IPNSNamespace IPNS 风格记录的命名空间
const IPNSNamespace = "ipns"

// DefaultClockSkew 有效期校验的时钟偏差容忍
const DefaultClockSkew = 5 * time.Minute

// ipnsRecord 记录的 JSON 编码形式
type ipnsRecord struct {
	Value     []byte    `json:"value"`
	Sequence  uint64    `json:"seq"`
	Validity  time.Time `json:"validity"`
	PublicKey []byte    `json:"pubkey"`
	Signature []byte    `json:"sig"`
}

// IPNSKey 返回节点的 IPNS 键
func IPNSKey(id types.PeerID) string {
	return "/" + IPNSNamespace + "/" + string(id)
}

func signingBytes(value []byte, seq uint64, validity time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString("ipns-record:")
	buf.Write(value)
	_ = binary.Write(&buf, binary.BigEndian, seq)
	_ = binary.Write(&buf, binary.BigEndian, validity.UTC().UnixNano())
	return buf.Bytes()
}

// NewIPNSRecord 用私钥签名并编码一条记录
func NewIPNSRecord(priv ed25519.PrivateKey, value []byte, seq uint64, validity time.Time) ([]byte, error) {
	validity = validity.UTC()
	rec := ipnsRecord{
		Value:     value,
		Sequence:  seq,
		Validity:  validity,
		PublicKey: priv.Public().(ed25519.PublicKey),
		Signature: ed25519.Sign(priv, signingBytes(value, seq, validity)),
	}
	return json.Marshal(rec)
}

// IPNSValidator 验证 ed25519 签名、带序号的 IPNS 风格记录
type IPNSValidator struct {
	clock     clock.Clock
	clockSkew time.Duration
}

// NewIPNSValidator 创建验证器，clk 为 nil 时使用系统时钟
func NewIPNSValidator(clk clock.Clock) *IPNSValidator {
	if clk == nil {
		clk = clock.New()
	}
	return &IPNSValidator{clock: clk, clockSkew: DefaultClockSkew}
}

// Validate 实现 Validator
//
// 验证内容：
//   - 键为 /ipns/<PeerID>
//   - 公钥派生的 PeerID 与键一致
//   - 签名有效
//   - 未过期（允许时钟偏差）
func (v *IPNSValidator) Validate(key string, value []byte) (*Entry, error) {
	ns, path, err := SplitKey(key)
	if err != nil {
		return nil, err
	}
	if ns != IPNSNamespace {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRecordType, ns)
	}
	id, err := types.PeerIDFromBytes([]byte(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var rec ipnsRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key length %d", ErrInvalidRecord, len(rec.PublicKey))
	}
	pub := ed25519.PublicKey(rec.PublicKey)
	if !id.MatchesPublicKey(pub) {
		return nil, ErrKeyMismatch
	}
	if !ed25519.Verify(pub, signingBytes(rec.Value, rec.Sequence, rec.Validity), rec.Signature) {
		return nil, ErrSignatureInvalid
	}
	if v.clock.Now().After(rec.Validity.Add(v.clockSkew)) {
		return nil, ErrExpiredRecord
	}

	return &Entry{
		Key:       key,
		Value:     rec.Value,
		Sequence:  rec.Sequence,
		Validity:  rec.Validity,
		PublicKey: rec.PublicKey,
		Signature: rec.Signature,
		Raw:       value,
	}, nil
}

// Compare 实现 Validator
//
// 先比较序号，序号相同时有效期更晚者更新。
func (v *IPNSValidator) Compare(a, b *Entry) Comparison {
	switch {
	case a.Sequence > b.Sequence:
		return Better
	case a.Sequence < b.Sequence:
		return Worse
	case a.Validity.After(b.Validity):
		return Better
	case a.Validity.Before(b.Validity):
		return Worse
	default:
		return Equal
	}
}

var _ Validator = (*IPNSValidator)(nil)
