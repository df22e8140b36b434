package model

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/emersion/go-message/textproto"
)

// Message is a single email message read from a mail store. Key identifies
// the message inside the store it was read from and is only meaningful there.
type Message struct {
	Key    string
	Header textproto.Header
	Raw    []byte
}

// Parse builds a Message from raw RFC 5322 bytes, decoding the header block.
func Parse(key string, raw []byte) (Message, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return Message{}, fmt.Errorf("message %s header: %w", key, err)
	}
	return Message{Key: key, Header: h, Raw: raw}, nil
}

// SplitRaw splits a raw email message into header and body parts.
func SplitRaw(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}
