// Package cache stores model responses by a content hash of the request
// that produced them.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// keyDomain separates cache keys from any other sha256 use. Bump the
// version suffix when the canonical form changes.
const keyDomain = "adt/llm-cache/v1"

// Request is the part of a model call that determines its response.
type Request struct {
	Model    string
	System   string
	Messages []Message
	// Schema is the JSON schema the response must satisfy. Key order
	// inside it does not affect the hash.
	Schema json.RawMessage
}

// Message is one conversation turn. Images contribute their sha256 only.
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

type canonicalMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type canonicalRequest struct {
	Model    string             `json:"model"`
	System   string             `json:"system"`
	Messages []canonicalMessage `json:"messages"`
	Schema   any                `json:"schema"`
}

// Key returns the hex sha256 key for req. Identical requests always hash
// to the same key; changing any field or message order changes it.
func Key(req Request) (string, error) {
	canonical, err := canonicalize(req)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(keyDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalize(req Request) ([]byte, error) {
	c := canonicalRequest{
		Model:    req.Model,
		System:   norm.NFC.String(req.System),
		Messages: make([]canonicalMessage, len(req.Messages)),
	}
	for i, m := range req.Messages {
		cm := canonicalMessage{
			Role:    m.Role,
			Content: norm.NFC.String(m.Content),
		}
		for _, img := range m.Images {
			sum := sha256.Sum256(img)
			cm.Images = append(cm.Images, hex.EncodeToString(sum[:]))
		}
		c.Messages[i] = cm
	}

	if len(bytes.TrimSpace(req.Schema)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(req.Schema))
		dec.UseNumber()
		var schema any
		if err := dec.Decode(&schema); err != nil {
			return nil, fmt.Errorf("decoding schema: %w", err)
		}
		c.Schema = schema
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling cache request: %w", err)
	}
	return data, nil
}
