package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"strconv"

	"github.com/visiquate/cco-sub021/internal/core"
)

// Key is the SHA-256 fingerprint of a logically identical request.
type Key [sha256.Size]byte

// String returns the hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// temperaturePrecision is the number of decimals temperature is normalized to,
// so 0.7 and 0.70000001 share a key.
const temperaturePrecision = 4

// Fingerprint derives the cache key for a request. Every field that affects the
// upstream output is written in a fixed order, each length-prefixed so adjacent
// fields cannot run into each other. Attribution fields (agent type, project) and
// the stream flag are excluded: they do not change the completion.
func Fingerprint(req *core.Request) Key {
	h := sha256.New()
	w := fieldWriter{h: h}

	w.str("model", req.Model)
	if req.Temperature != nil {
		w.str("temperature", normalizeTemperature(*req.Temperature))
	} else {
		w.str("temperature", "")
	}
	w.str("max_tokens", strconv.Itoa(req.MaxTokens))
	w.optional("system", req.System != "", req.System)
	w.str("messages", strconv.Itoa(len(req.Messages)))
	for _, m := range req.Messages {
		w.str("role", m.Role)
		w.str("content", m.Content)
	}
	if req.CacheControl != nil {
		w.optional("cache_control", true, req.CacheControl.Type)
	} else {
		w.optional("cache_control", false, "")
	}

	var k Key
	h.Sum(k[:0])
	return k
}

func normalizeTemperature(t float64) string {
	scale := math.Pow10(temperaturePrecision)
	return strconv.FormatFloat(math.Round(t*scale)/scale, 'f', temperaturePrecision, 64)
}

type fieldWriter struct {
	h   hash.Hash
	buf [binary.MaxVarintLen64]byte
}

func (w *fieldWriter) str(name, value string) {
	w.raw(name)
	w.raw(value)
}

// optional distinguishes an absent field from a present empty one.
func (w *fieldWriter) optional(name string, present bool, value string) {
	w.raw(name)
	if !present {
		w.h.Write([]byte{0})
		return
	}
	w.h.Write([]byte{1})
	w.raw(value)
}

func (w *fieldWriter) raw(s string) {
	n := binary.PutUvarint(w.buf[:], uint64(len(s)))
	w.h.Write(w.buf[:n])
	w.h.Write([]byte(s))
}
