package decoder

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"relayverify/internal/config"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const verifierErrorsABI = `[
  {
    "inputs": [
      {"internalType": "uint32", "name": "block", "type": "uint32"},
      {"internalType": "bytes32", "name": "root", "type": "bytes32"}
    ],
    "name": "InvalidProof",
    "type": "error"
  }
]`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestDecodeCustomError(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(verifierErrorsABI))
	require.NoError(t, err)

	d, err := NewRevertDecoder(quietLogger(), &config.DecoderConfig{EnableCache: true, CacheSize: 8}, &parsed)
	require.NoError(t, err)

	abiErr := parsed.Errors["InvalidProof"]
	args, err := abiErr.Inputs.Pack(uint32(100), common.HexToHash("0x01"))
	require.NoError(t, err)
	data := append(append([]byte{}, abiErr.ID[:4]...), args...)

	reason, ok := d.DecodeRevert(context.Background(), data)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(reason, "InvalidProof(100, 0x0000"), reason)
}

func TestDecodeStandardRevert(t *testing.T) {
	d, err := NewRevertDecoder(quietLogger(), &config.DecoderConfig{}, nil)
	require.NoError(t, err)

	// Error(string)
	stringType, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: stringType}}.Pack("proof rejected")
	require.NoError(t, err)
	data := append(common.FromHex("0x08c379a0"), packed...)

	reason, ok := d.DecodeRevert(context.Background(), data)
	require.True(t, ok)
	assert.Equal(t, "proof rejected", reason)

	// Panic(uint256)
	uintType, _ := abi.NewType("uint256", "", nil)
	packed, err = abi.Arguments{{Type: uintType}}.Pack(big.NewInt(0x11))
	require.NoError(t, err)
	reason, ok = d.DecodeRevert(context.Background(), append(common.FromHex("0x4e487b71"), packed...))
	require.True(t, ok)
	assert.NotEmpty(t, reason)

	_, ok = d.DecodeRevert(context.Background(), []byte{0x01, 0x02})
	assert.False(t, ok)

	_, ok = d.DecodeRevert(context.Background(), common.FromHex("0xdeadbeef"))
	assert.False(t, ok)
}

func TestDecodeViaFourByteDirectory(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "0xdeadbeef", r.URL.Query().Get("hex_signature"))
		fmt.Fprint(w, `{"count":1,"results":[{"id":7,"text_signature":"ProofTooOld()","hex_signature":"0xdeadbeef"}]}`)
	}))
	defer server.Close()

	d, err := NewRevertDecoder(quietLogger(), &config.DecoderConfig{
		FourByteAPIURL: server.URL + "/api/v1/signatures/",
		EnableAPI:      true,
		EnableCache:    true,
		CacheSize:      8,
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		reason, ok := d.DecodeRevert(context.Background(), common.FromHex("0xdeadbeef"))
		require.True(t, ok)
		assert.Equal(t, "ProofTooOld()", reason)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, d.GetCacheSize())

	d.ClearCache()
	assert.Equal(t, 0, d.GetCacheSize())
}

func TestDecodeFourByteUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d, err := NewRevertDecoder(quietLogger(), &config.DecoderConfig{
		FourByteAPIURL: server.URL,
		EnableAPI:      true,
	}, nil)
	require.NoError(t, err)

	_, ok := d.DecodeRevert(context.Background(), common.FromHex("0xdeadbeef00"))
	assert.False(t, ok)

	reason, ok := d.DecodeRevert(context.Background(), common.FromHex("0xd93c0665"))
	require.True(t, ok)
	assert.Equal(t, "EnforcedPause()", reason)
}
