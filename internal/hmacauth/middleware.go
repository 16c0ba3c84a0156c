package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderRelayer   = "X-Relayer-Address"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrMissingRelayer   = errors.New("missing relayer address")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

type relayerKey struct{}

// Verifier authenticates relayer requests. The MAC binds the relayer
// header to the timestamp and body, so a captured request cannot be
// re-sent under a different relayer header. The secret is shared: any
// holder can sign for any relayer address, so the relayer is an asserted
// identity, not a proven one.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relayer, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithRelayer(r.Context(), relayer)))
	})
}

// Relayer returns the authenticated relayer stored on the context.
func Relayer(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(relayerKey{}).(common.Address)
	return addr, ok
}

func WithRelayer(ctx context.Context, relayer common.Address) context.Context {
	return context.WithValue(ctx, relayerKey{}, relayer)
}

// Sign produces the hex signature a relayer sends in HeaderSignature.
func Sign(secret, timestamp string, relayer common.Address, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(relayer.Bytes())
	mac.Write(body)
	return strings.ToLower(hex.EncodeToString(mac.Sum(nil)))
}

// SignRequest sets the auth headers on an outgoing request.
func SignRequest(r *http.Request, secret string, relayer common.Address, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderRelayer, relayer.Hex())
	r.Header.Set(HeaderSignature, Sign(secret, ts, relayer, body))
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	relayerHeader := r.Header.Get(HeaderRelayer)
	if !common.IsHexAddress(relayerHeader) {
		return common.Address{}, ErrMissingRelayer
	}
	relayer := common.HexToAddress(relayerHeader)

	// Without a secret the relayer header is trusted as-is (local development).
	if v.Secret == "" {
		return relayer, nil
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	expected := Sign(v.Secret, tsHeader, relayer, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return common.Address{}, ErrInvalidSignature
	}
	return relayer, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
