package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	paramTimestamp  = "timestamp"
	paramRecvWindow = "recvWindow"
	paramSignature  = "signature"

	headerAPIKey = "X-MBX-APIKEY"
)

type param struct {
	key   string
	value string
}

// Params is an insertion-ordered request parameter list. Setting an existing
// key replaces its value in place.
type Params struct {
	items []param
}

func NewParams() Params {
	return Params{}
}

func (p Params) Set(key, value string) Params {
	items := make([]param, len(p.items), len(p.items)+1)
	copy(items, p.items)
	for i := range items {
		if items[i].key == key {
			items[i].value = value
			return Params{items: items}
		}
	}
	return Params{items: append(items, param{key: key, value: value})}
}

func (p Params) Get(key string) (string, bool) {
	for _, it := range p.items {
		if it.key == key {
			return it.value, true
		}
	}
	return "", false
}

func (p Params) Len() int {
	return len(p.items)
}

// Encode renders the parameters as a query string in insertion order.
func (p Params) Encode() string {
	var sb strings.Builder
	for i, it := range p.items {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(it.key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(it.value))
	}
	return sb.String()
}

// Signer appends timestamp, recvWindow and an HMAC-SHA256 signature to a
// parameter set.
type Signer struct {
	apiSecret  string
	recvWindow int64
	now        func() time.Time
}

func NewSigner(apiSecret string, recvWindow int64) *Signer {
	return &Signer{
		apiSecret:  apiSecret,
		recvWindow: recvWindow,
		now:        time.Now,
	}
}

func (s *Signer) Sign(params Params) Params {
	return s.SignAt(params, s.now())
}

// SignAt signs params as of t. The input is left untouched.
func (s *Signer) SignAt(params Params, t time.Time) Params {
	signed := params.
		Set(paramTimestamp, strconv.FormatInt(t.UnixMilli(), 10)).
		Set(paramRecvWindow, strconv.FormatInt(s.recvWindow, 10))
	return signed.Set(paramSignature, s.Signature(signed.Encode()))
}

func (s *Signer) Signature(payload string) string {
	return computeHMAC(payload, s.apiSecret)
}

// Verify reports whether the signature carried by params matches the rest of
// the parameter set.
func (s *Signer) Verify(params Params) bool {
	sig, ok := params.Get(paramSignature)
	if !ok {
		return false
	}
	unsigned := Params{}
	for _, it := range params.items {
		if it.key != paramSignature {
			unsigned.items = append(unsigned.items, it)
		}
	}
	return hmac.Equal([]byte(sig), []byte(s.Signature(unsigned.Encode())))
}

func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
