package message

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxMessageSize 单条消息最大字节数
const MaxMessageSize = 4 << 20

// ErrMessageTooLarge 消息超过 MaxMessageSize
var ErrMessageTooLarge = errors.New("message: too large")

// WriteMsg 写入一条长度前缀消息
func WriteMsg(w io.Writer, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(data)))+len(data))
	buf = append(buf, varint.ToUvarint(uint64(len(data)))...)
	buf = append(buf, data...)
	_, err = w.Write(buf)
	return err
}

// ReadMsg 读取一条长度前缀消息
func ReadMsg(r io.Reader) (*Message, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		buffered := bufio.NewReader(r)
		br, r = buffered, buffered
	}
	size, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if size > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
